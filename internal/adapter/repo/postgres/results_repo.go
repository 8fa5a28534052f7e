package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bfhealy/nmma-relay/internal/domain"
)

// ResultRepo persists retrieved cluster artifacts keyed by analysis
// id, in the window between first retrieval and successful delivery.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// PutResult inserts or overwrites the payload for an analysis id.
func (r *ResultRepo) PutResult(ctx context.Context, analysisID string, payload []byte) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.PutResult")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "results"))

	q := `INSERT INTO results (analysis_id, payload, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (analysis_id) DO UPDATE SET payload=EXCLUDED.payload, created_at=EXCLUDED.created_at`
	_, err := r.Pool.Exec(ctx, q, analysisID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=result.put: %w", err)
	}
	return nil
}

// GetResult loads the payload for an analysis id.
func (r *ResultRepo) GetResult(ctx context.Context, analysisID string) ([]byte, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetResult")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "results"))

	q := `SELECT payload FROM results WHERE analysis_id=$1`
	row := r.Pool.QueryRow(ctx, q, analysisID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=result.get: %w", err)
	}
	return payload, nil
}

// DeleteResult removes the stored payload once delivery succeeds.
func (r *ResultRepo) DeleteResult(ctx context.Context, analysisID string) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.DeleteResult")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "results"))

	_, err := r.Pool.Exec(ctx, `DELETE FROM results WHERE analysis_id=$1`, analysisID)
	if err != nil {
		return fmt.Errorf("op=result.delete: %w", err)
	}
	return nil
}
