package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DigestStateRepo persists the check-and-send watermark.
type DigestStateRepo struct {
	db   *sql.DB
	name string
}

// NewDigestStateRepo creates a watermark store for the named digest.
func NewDigestStateRepo(db *sql.DB, name string) *DigestStateRepo {
	return &DigestStateRepo{db: db, name: name}
}

// Load returns the watermark, or the zero time if none was saved.
func (r *DigestStateRepo) Load(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT watermark FROM newsletter_digest_state WHERE name = $1`, r.name).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load digest watermark: %w", err)
	}
	return t.UTC(), nil
}

// Save stores t unless a later watermark is already recorded.
func (r *DigestStateRepo) Save(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_digest_state (name, watermark, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = NOW()
		WHERE newsletter_digest_state.watermark < EXCLUDED.watermark
	`, r.name, t)
	if err != nil {
		return fmt.Errorf("save digest watermark: %w", err)
	}
	return nil
}
