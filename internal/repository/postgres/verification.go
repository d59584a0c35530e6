package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/verification"
)

// VerificationRepo implements verification.Store with one row per email.
// Every write is conditional on the request id so a superseded request can
// never be consumed.
type VerificationRepo struct{ db *sql.DB }

// NewVerificationRepo creates a Postgres-backed verification store.
func NewVerificationRepo(db *sql.DB) *VerificationRepo { return &VerificationRepo{db: db} }

func (r *VerificationRepo) Latest(ctx context.Context, email string) (*domain.VerificationRequest, error) {
	var (
		req     domain.VerificationRequest
		payload []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, code, payload, issued_at, expires_at, consumed_at, attempts
		FROM newsletter_verification_requests WHERE email = $1
	`, email).Scan(&req.ID, &req.Email, &req.Code, &payload, &req.IssuedAt, &req.ExpiresAt, &req.ConsumedAt, &req.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load verification request: %w", err)
	}
	if err := json.Unmarshal(payload, &req.Payload); err != nil {
		return nil, fmt.Errorf("decode verification payload: %w", err)
	}
	req.Payload.Preferences = req.Payload.Preferences.Normalize()
	return &req, nil
}

func (r *VerificationRepo) Replace(ctx context.Context, req *domain.VerificationRequest, prevID string) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode verification payload: %w", err)
	}

	var res sql.Result
	if prevID == "" {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO newsletter_verification_requests (email, id, code, payload, issued_at, expires_at, consumed_at, attempts)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, 0)
			ON CONFLICT (email) DO NOTHING
		`, req.Email, req.ID, req.Code, payload, req.IssuedAt, req.ExpiresAt)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE newsletter_verification_requests
			SET id = $2, code = $3, payload = $4, issued_at = $5, expires_at = $6, consumed_at = NULL, attempts = 0
			WHERE email = $1 AND id = $7
		`, req.Email, req.ID, req.Code, payload, req.IssuedAt, req.ExpiresAt, prevID)
	}
	if err != nil {
		return fmt.Errorf("store verification request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return verification.ErrConflict
	}
	return nil
}

func (r *VerificationRepo) MarkConsumed(ctx context.Context, email, id string, at time.Time) error {
	return r.execConditional(ctx, "consume verification request", `
		UPDATE newsletter_verification_requests SET consumed_at = $3
		WHERE email = $1 AND id = $2 AND consumed_at IS NULL
	`, email, id, at)
}

func (r *VerificationRepo) ClearConsumed(ctx context.Context, email, id string, at time.Time) error {
	return r.execConditional(ctx, "release verification request", `
		UPDATE newsletter_verification_requests SET consumed_at = NULL
		WHERE email = $1 AND id = $2 AND consumed_at = $3
	`, email, id, at)
}

func (r *VerificationRepo) execConditional(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return verification.ErrConflict
	}
	return nil
}

func (r *VerificationRepo) IncrementAttempts(ctx context.Context, email, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE newsletter_verification_requests SET attempts = attempts + 1
		WHERE email = $1 AND id = $2
		RETURNING attempts
	`, email, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, verification.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return n, nil
}

func (r *VerificationRepo) Delete(ctx context.Context, email, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM newsletter_verification_requests WHERE email = $1 AND id = $2`, email, id)
	if err != nil {
		return fmt.Errorf("delete verification request: %w", err)
	}
	return nil
}

func (r *VerificationRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM newsletter_verification_requests WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired verification requests: %w", err)
	}
	return res.RowsAffected()
}
