package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hearthly/hearth/internal/billing"
	"github.com/hearthly/hearth/internal/capacity"
	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/circuitbreaker"
	"github.com/hearthly/hearth/internal/config"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/notify"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/realtime"
	"github.com/hearthly/hearth/internal/reconcile"
	"github.com/hearthly/hearth/internal/rescue"
)

// App is the wired service graph shared by the HTTP server and billingctl.
type App struct {
	DB        *sql.DB       // nil when running on in-memory stores
	Redis     *redis.Client // nil when the event log is in memory
	Catalog   *plans.Catalog
	Processor processor.Processor
	Breaker   *circuitbreaker.Breaker // nil for the in-memory processor
	Ledger    *entitlement.Ledger
	Circles   circles.Store
	Hub       *realtime.Hub
	Notify    *notify.Service
	Rescue    *rescue.Service
	Billing   *billing.Service
	Engine    *reconcile.Engine
	Events    reconcile.EventLog
	Capacity  *capacity.Evaluator
}

// demoPrices are the amounts the in-memory processor charges for the
// built-in catalogue price refs.
var demoPrices = map[string]string{
	"price_family_monthly":   "5.00",
	"price_extended_monthly": "10.00",
	"price_extra_members":    "2.00",
}

// NewApp opens storage and builds every service. Postgres is used when
// DATABASE_URL is set, Stripe when STRIPE_SECRET_KEY is set and Redis when
// REDIS_URL is set; each falls back to an in-memory implementation.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Catalog, err = plans.LoadCatalog(cfg.PriceCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load price catalogue: %w", err)
	}

	var (
		entStore    entitlement.Store
		notifyStore notify.Store
		rescueStore rescue.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		a.DB = db

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		entStore = entitlement.NewPostgresStore(db)
		a.Circles = circles.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		rescueStore = rescue.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		entStore = entitlement.NewMemoryStore()
		a.Circles = circles.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		rescueStore = rescue.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if cfg.StripeSecretKey != "" {
		sp := processor.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)
		a.Processor = sp
		a.Breaker = sp.Breaker()
	} else {
		prices := make(map[string]decimal.Decimal, len(demoPrices))
		for ref, amount := range demoPrices {
			prices[ref] = decimal.RequireFromString(amount)
		}
		a.Processor = processor.NewMemoryProcessor(prices, cfg.StripeWebhookSecret)
		logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment processor")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Events = reconcile.NewRedisEventLog(a.Redis, reconcile.DefaultEventTTL)
	} else {
		a.Events = reconcile.NewMemoryEventLog(reconcile.DefaultEventTTL)
	}

	a.Ledger = entitlement.NewLedger(entStore, a.Catalog)
	a.Hub = realtime.NewHub(logger)
	a.Notify = notify.NewService(notifyStore, a.Hub, logger)
	a.Rescue = rescue.NewService(rescueStore, a.Circles, a.Ledger, a.Catalog, a.Notify, logger)
	a.Billing = billing.NewService(a.Ledger, a.Processor, a.Circles, a.Rescue, billing.Config{
		SuccessURL:    cfg.SuccessURL(),
		CancelURL:     cfg.CancelURL(),
		DowngradeLead: cfg.DowngradeLead,
	}, logger)
	a.Rescue.SetCheckout(a.Billing)
	a.Engine = reconcile.NewEngine(a.Ledger, a.Processor, a.Circles, reconcile.Config{
		Concurrency:   cfg.SyncConcurrency,
		RatePerSecond: cfg.SyncRPS,
	}, logger)
	a.Capacity = capacity.NewEvaluator(a.Circles, a.Ledger, a.Catalog)

	return a, nil
}

// Jobs returns the scheduled background jobs.
func (a *App) Jobs(cfg *config.Config) []reconcile.Job {
	return []reconcile.Job{
		{Name: "sync_sweep", Spec: cfg.SyncSchedule, Run: func(ctx context.Context) error {
			_, err := a.Engine.SyncAll(ctx)
			return err
		}},
		{Name: "period_rollover", Spec: cfg.RolloverSchedule, Run: func(ctx context.Context) error {
			_, err := a.Billing.RunRollover(ctx)
			return err
		}},
		{Name: "offer_expiry", Spec: cfg.ExpirySchedule, Run: func(ctx context.Context) error {
			_, err := a.Rescue.ExpireDue(ctx)
			return err
		}},
	}
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
