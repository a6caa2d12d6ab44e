package pgfeed_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/alerting"
	"github.com/linnemanlabs/aegis/internal/alerting/pgfeed"
	"github.com/linnemanlabs/aegis/internal/postgres"
	"github.com/linnemanlabs/aegis/internal/risk"
)

func openStore(t *testing.T) *pgfeed.Store {
	t.Helper()
	dsn := os.Getenv("AEGIS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AEGIS_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgfeed.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgfeed.New: %v", err)
	}
	return s
}

func testAlert() *alerting.Alert {
	now := time.Now().Truncate(time.Microsecond).UTC()
	return &alerting.Alert{
		ID:            "alt_" + ulid.Make().String(),
		TrackID:       42,
		Level:         alerting.LevelHigh,
		Score:         0.72,
		Message:       "HIGH risk driven by loitering in vault zone (x2.00)",
		Factors:       []risk.Factor{{Name: "loitering", Weight: 0.25, Raw: 0.9, Contribution: 0.225}},
		Zone:          "vault",
		CreatedAt:     now,
		CooldownUntil: now.Add(time.Minute),
	}
}

func TestNotifyAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := testAlert()
	if err := s.Notify(ctx, a); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// idempotent on replayed IDs
	if err := s.Notify(ctx, a); err != nil {
		t.Fatalf("Notify again: %v", err)
	}

	got, err := s.Recent(ctx, 1000)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	var found *alerting.Alert
	for i := range got {
		if got[i].ID == a.ID {
			found = &got[i]
		}
	}
	if found == nil {
		t.Fatalf("alert %s not in Recent", a.ID)
	}
	if found.TrackID != 42 || found.Level != alerting.LevelHigh || found.Zone != "vault" {
		t.Errorf("alert = %+v", found)
	}
	if len(found.Factors) != 1 || found.Factors[0].Name != "loitering" {
		t.Errorf("factors = %+v", found.Factors)
	}
}

func TestAcknowledge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := testAlert()
	if err := s.Notify(ctx, a); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	ok, err := s.Acknowledge(ctx, a.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !ok {
		t.Fatal("Acknowledge returned false for archived alert")
	}

	ok, err = s.Acknowledge(ctx, "alt_unknown")
	if err != nil {
		t.Fatalf("Acknowledge unknown: %v", err)
	}
	if ok {
		t.Error("Acknowledge returned true for unknown id")
	}
}
