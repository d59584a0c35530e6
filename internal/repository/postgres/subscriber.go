package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/subscription"
)

const subscriberColumns = `email, first_name, last_name, preferences, status,
	created_at, updated_at, verified_at, unsubscribed_at`

// SubscriberRepo implements subscription.Repository against PostgreSQL. It
// also serves the digest matcher's active-profile scan.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*domain.Subscriber, error) {
	var (
		s      domain.Subscriber
		prefs  []byte
		status string
	)
	if err := row.Scan(&s.Email, &s.FirstName, &s.LastName, &prefs, &status,
		&s.CreatedAt, &s.UpdatedAt, &s.VerifiedAt, &s.UnsubscribedAt); err != nil {
		return nil, err
	}
	s.Status = domain.SubscriberStatus(status)
	// Display paths are lenient; the digest scan decodes strictly.
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &s.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences for %s: %w", s.Email, err)
		}
	}
	s.Preferences = s.Preferences.Normalize()
	return &s, nil
}

func (r *SubscriberRepo) Get(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM newsletter_subscribers WHERE email = $1`, email)
	s, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) UpsertPending(ctx context.Context, email string, p domain.SubscriptionPayload, at time.Time) error {
	prefs, err := json.Marshal(p.Preferences.Normalize())
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_subscribers (email, first_name, last_name, preferences, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending_verification', $5, $5)
		ON CONFLICT (email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			preferences = EXCLUDED.preferences,
			status = 'pending_verification',
			updated_at = EXCLUDED.updated_at
		WHERE newsletter_subscribers.status <> 'active'
	`, email, p.FirstName, p.LastName, prefs, at)
	if err != nil {
		return fmt.Errorf("upsert pending subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscription.ErrConflict
	}
	return nil
}

func (r *SubscriberRepo) Activate(ctx context.Context, email string, p domain.SubscriptionPayload, at time.Time) (*domain.Subscriber, error) {
	prefs, err := json.Marshal(p.Preferences.Normalize())
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO newsletter_subscribers (email, first_name, last_name, preferences, status, created_at, updated_at, verified_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $5, $5)
		ON CONFLICT (email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			preferences = EXCLUDED.preferences,
			status = 'active',
			verified_at = EXCLUDED.verified_at,
			unsubscribed_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriberColumns,
		email, p.FirstName, p.LastName, prefs, at)
	s, err := scanSubscriber(row)
	if err != nil {
		return nil, fmt.Errorf("activate subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) Unsubscribe(ctx context.Context, email string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_subscribers
		SET status = 'unsubscribed', unsubscribed_at = $2, updated_at = $2
		WHERE email = $1 AND status = 'active'
	`, email, at)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// likeEscaper makes LIKE wildcards in a search term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (r *SubscriberRepo) List(ctx context.Context, f subscription.ListFilter) ([]domain.Subscriber, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(f.Search)+"%")
		where = append(where, fmt.Sprintf(`email LIKE $%d ESCAPE '\'`, len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM newsletter_subscribers`+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscribers: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	args = append(args, limit, f.Offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM newsletter_subscribers`+clause+
			fmt.Sprintf(" ORDER BY email LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *s)
	}
	return out, total, rows.Err()
}

// ActiveProfiles returns up to limit active subscribers with email greater
// than afterEmail, ordered by email. Preferences are returned undecoded.
func (r *SubscriberRepo) ActiveProfiles(ctx context.Context, afterEmail string, limit int) ([]domain.SubscriberProfile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, first_name, last_name, preferences
		FROM newsletter_subscribers
		WHERE status = 'active' AND email > $1
		ORDER BY email
		LIMIT $2
	`, afterEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("active profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.SubscriberProfile
	for rows.Next() {
		var p domain.SubscriberProfile
		if err := rows.Scan(&p.Email, &p.FirstName, &p.LastName, &p.RawPreferences); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
