// Package pgfeed persists emitted alerts in PostgreSQL as a durable archive
// behind the in-memory feed.
package pgfeed

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aegis/internal/alerting"
	"github.com/linnemanlabs/aegis/internal/track"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/alerting/pgfeed")

//go:embed schema.sql
var schema string

// Store archives alerts in PostgreSQL. It implements alerting.Notifier so
// the pipeline persists every emitted alert off the frame pass.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// caller owns the pool's lifecycle.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, track_id, level, score, message, factors, zone,
	created_at, cooldown_until, acknowledged`

// Notify archives one alert.
func (s *Store) Notify(ctx context.Context, a *alerting.Alert) error {
	ctx, span := tracer.Start(ctx, "pgfeed.Notify", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		a.ID, int64(a.TrackID), string(a.Level), a.Score, a.Message,
		factorsJSON, a.Zone, a.CreatedAt, a.CooldownUntil, a.Acknowledged,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Recent returns the newest alerts, oldest first, up to limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]alerting.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgfeed.Recent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []alerting.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan alerts: %w", err)
	}

	// newest-last to match the in-memory feed's ordering
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Acknowledge marks an archived alert acknowledged. It returns false when
// the ID is unknown.
func (s *Store) Acknowledge(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgfeed.Acknowledge", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("acknowledge alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAlert(row pgx.Row) (*alerting.Alert, error) {
	var (
		a       alerting.Alert
		trackID int64
		level   string
		factors []byte
	)
	err := row.Scan(&a.ID, &trackID, &level, &a.Score, &a.Message,
		&factors, &a.Zone, &a.CreatedAt, &a.CooldownUntil, &a.Acknowledged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.TrackID = track.ID(trackID)
	a.Level = alerting.Level(level)
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &a.Factors); err != nil {
			return nil, fmt.Errorf("unmarshal factors: %w", err)
		}
	}
	return &a, nil
}
