// Package zone maps frame positions to risk multipliers. Zones are static
// rectangles configured at startup; lookups are lock-free reads.
package zone

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/linnemanlabs/aegis/internal/track"
)

// Kind names the sensitivity class of a zone. Each kind carries a fixed
// multiplier applied to base risk scores for tracks inside the zone.
type Kind string

const (
	KindNormal     Kind = "normal"
	KindElevated   Kind = "elevated"
	KindHighRisk   Kind = "high_risk"
	KindRestricted Kind = "restricted"
)

// Multiplier returns the risk multiplier for the kind, or 0 for an unknown kind.
func (k Kind) Multiplier() float64 {
	switch k {
	case KindNormal:
		return 1.0
	case KindElevated:
		return 1.25
	case KindHighRisk:
		return 1.5
	case KindRestricted:
		return 2.0
	default:
		return 0
	}
}

// Zone is a named rectangular region with a sensitivity kind.
type Zone struct {
	Name string     `json:"name"`
	Kind Kind       `json:"kind"`
	Rect track.BBox `json:"rect"`
}

func (z Zone) contains(p track.Position) bool {
	return p.X >= z.Rect.X1 && p.X <= z.Rect.X2 && p.Y >= z.Rect.Y1 && p.Y <= z.Rect.Y2
}

// Index resolves positions to zone multipliers. Overlapping zones resolve to
// the highest multiplier; positions outside every zone get 1.0.
type Index struct {
	zones []Zone
}

// NewIndex validates the zone table and builds an Index. Unknown kinds and
// degenerate rectangles are construction-time errors.
func NewIndex(zones []Zone) (*Index, error) {
	var errs []error
	for i, z := range zones {
		if z.Name == "" {
			errs = append(errs, fmt.Errorf("zone %d: missing name", i))
		}
		if z.Kind.Multiplier() == 0 {
			errs = append(errs, fmt.Errorf("zone %q: unknown kind %q", z.Name, z.Kind))
		}
		if z.Rect.X2 <= z.Rect.X1 || z.Rect.Y2 <= z.Rect.Y1 {
			errs = append(errs, fmt.Errorf("zone %q: degenerate rect", z.Name))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	cp := make([]Zone, len(zones))
	copy(cp, zones)
	return &Index{zones: cp}, nil
}

// Load reads a zone table from a JSON file and builds an Index.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("read zone file: %w", err)
	}
	var zones []Zone
	if err := json.Unmarshal(data, &zones); err != nil {
		return nil, fmt.Errorf("parse zone file: %w", err)
	}
	return NewIndex(zones)
}

// MultiplierFor returns the risk multiplier at p, together with the name of
// the zone that supplied it. The empty name means no zone matched.
func (ix *Index) MultiplierFor(p track.Position) (float64, string) {
	mult := 1.0
	name := ""
	for _, z := range ix.zones {
		if z.contains(p) {
			if m := z.Kind.Multiplier(); m > mult {
				mult = m
				name = z.Name
			}
		}
	}
	return mult, name
}

// Zones returns a copy of the configured zone table.
func (ix *Index) Zones() []Zone {
	cp := make([]Zone, len(ix.zones))
	copy(cp, ix.zones)
	return cp
}
