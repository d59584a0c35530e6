// Package bootstrap opens the backing stores named in the configuration and
// wires the newsletter services on top of them. The server, the worker and
// the dry-run tool share it so every process sees the same backends.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/worknow/newsletter/internal/auth"
	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/outbox"
	"github.com/worknow/newsletter/internal/pkg/distlock"
	"github.com/worknow/newsletter/internal/pkg/httpretry"
	"github.com/worknow/newsletter/internal/pkg/logger"
	"github.com/worknow/newsletter/internal/pkg/ratelimit"
	"github.com/worknow/newsletter/internal/repository/postgres"
	"github.com/worknow/newsletter/internal/repository/redisstore"
	"github.com/worknow/newsletter/internal/seekers"
	"github.com/worknow/newsletter/internal/service/digest"
	"github.com/worknow/newsletter/internal/service/subscription"
	"github.com/worknow/newsletter/internal/service/verification"
)

const (
	subscribeLockPrefix = "newsletter:subscribe:"
	digestLockKey       = "newsletter:digest"
	digestWatermark     = "digest"
	rateLimitPrefix     = "newsletter"
	subscribeLockTTL    = 30 * time.Second
	pingTimeout         = 3 * time.Second
)

// SubscriberStore is what both the lifecycle and the digest need from the
// subscriber table.
type SubscriberStore interface {
	subscription.Repository
	digest.SubscriberSource
}

// App holds the opened connections and the services built on them.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client

	Issuer        *verification.Issuer
	Subscribers   SubscriberStore
	Subscriptions *subscription.Service
	Outbox        *outbox.Outbox
	// OutboxDepth is nil unless messages are queued in Redis.
	OutboxDepth func(ctx context.Context) (int64, error)
	Sessions    auth.SessionStore
	// Digest is nil when digest.enabled is false.
	Digest  *digest.Service
	Limiter *ratelimit.Limiter
}

// Open connects to the configured backends and builds the services.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.DB = db

	rdb, err := openRedis(ctx, cfg.Redis, cfg.NeedsRedis())
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Redis = rdb

	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire() error {
	cfg := a.Config
	vc := cfg.Verification

	store, err := a.verificationStore()
	if err != nil {
		return err
	}
	a.Issuer = verification.NewIssuer(store, verification.Config{
		CodeLength:     vc.CodeLength,
		CodeTTL:        vc.CodeTTL(),
		ResendCooldown: vc.ResendCooldown(),
		MaxAttempts:    vc.MaxAttempts,
		StoreTimeout:   vc.StoreTimeout(),
	})

	locker, err := a.locker()
	if err != nil {
		return err
	}

	if a.DB != nil {
		a.Subscribers = postgres.NewSubscriberRepo(a.DB)
	} else {
		logger.Warn("no database configured, subscribers are kept in memory", "component", "bootstrap")
		a.Subscribers = subscription.NewMemoryRepository()
	}

	switch cfg.Outbox.Type {
	case "redis":
		pub := outbox.NewRedisPublisher(a.Redis, cfg.Outbox.Key)
		a.Outbox = outbox.New(pub)
		a.OutboxDepth = pub.Len
	default:
		a.Outbox = outbox.New(outbox.LogPublisher{})
	}

	a.Subscriptions = subscription.NewService(a.Subscribers, a.Issuer, locker, a.Outbox)

	if a.Redis != nil {
		a.Sessions = auth.NewRedisSessions(a.Redis, "")
	} else {
		a.Sessions = auth.NewMemorySessions()
	}

	if cfg.RateLimit.Enabled {
		a.Limiter = ratelimit.New(a.Redis, rateLimitPrefix, ratelimit.Limits{
			PerMinute: cfg.RateLimit.PerMinute,
			PerDay:    cfg.RateLimit.PerDay,
		})
	}

	if cfg.Digest.Enabled {
		svc, err := a.digestService()
		if err != nil {
			return err
		}
		a.Digest = svc
	}
	return nil
}

func (a *App) verificationStore() (verification.Store, error) {
	vc := a.Config.Verification
	switch vc.Store {
	case "postgres":
		if a.DB == nil {
			return nil, fmt.Errorf("bootstrap: verification.store=postgres needs database.url")
		}
		return postgres.NewVerificationRepo(a.DB), nil
	case "redis":
		return redisstore.NewVerificationStore(a.Redis, vc.Retention()), nil
	default:
		logger.Warn("verification codes are kept in memory", "component", "bootstrap")
		return verification.NewMemoryStore(), nil
	}
}

// locker returns nil for the in-process mutex, which the service defaults to.
func (a *App) locker() (distlock.Locker, error) {
	switch a.Config.Verification.Lock {
	case "postgres":
		if a.DB == nil {
			return nil, fmt.Errorf("bootstrap: verification.lock=postgres needs database.url")
		}
		return distlock.NewPGLocker(a.DB, subscribeLockPrefix), nil
	case "redis":
		return distlock.NewRedisLocker(a.Redis, subscribeLockPrefix, subscribeLockTTL), nil
	default:
		return nil, nil
	}
}

func (a *App) digestService() (*digest.Service, error) {
	cfg := a.Config
	if a.DB == nil && a.Redis == nil {
		return nil, fmt.Errorf("bootstrap: digest needs database.url or redis.url for its cycle lock")
	}

	var watermark digest.WatermarkStore
	switch cfg.Digest.Watermark {
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("bootstrap: digest.watermark=redis needs redis.url")
		}
		watermark = redisstore.NewWatermark(a.Redis, digestWatermark)
	default:
		if a.DB == nil {
			return nil, fmt.Errorf("bootstrap: digest.watermark=postgres needs database.url")
		}
		watermark = postgres.NewDigestStateRepo(a.DB, digestWatermark)
	}

	rc := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Seekers.Timeout()}, cfg.Seekers.MaxRetries)
	candidates := seekers.NewClient(cfg.Seekers.BaseURL, cfg.Seekers.APIToken, rc)

	return digest.NewService(
		digest.NewMatcher(a.Subscribers, cfg.Digest.PageSize),
		a.Outbox,
		candidates,
		watermark,
		distlock.NewLock(a.Redis, a.DB, digestLockKey, cfg.Digest.LockTTL()),
		digest.Config{
			Subject:         cfg.Digest.Subject,
			Body:            cfg.Digest.Body,
			BatchLimit:      cfg.Digest.BatchLimit,
			InitialLookback: cfg.Digest.InitialLookback(),
		},
	)
}

// Close releases the connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	dsn := cfg.URL
	if !strings.Contains(dsn, "connect_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "connect_timeout=5"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "component", "bootstrap")
	return db, nil
}

// openRedis returns nil when Redis is not configured. A failed ping is fatal
// only when some backend was configured to use Redis.
func openRedis(ctx context.Context, cfg config.RedisConfig, required bool) (*redis.Client, error) {
	if !cfg.Enabled() {
		if required {
			return nil, fmt.Errorf("bootstrap: redis.url is required by the selected backends")
		}
		return nil, nil
	}
	var client *redis.Client
	if opts, err := redis.ParseURL(cfg.URL); err == nil {
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.URL})
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		if required {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Warn("redis unreachable, continuing without it", "component", "bootstrap", "error", err)
		return nil, nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client, nil
}
