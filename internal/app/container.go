package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/commands"
	"github.com/kyushbot/cmdgate/internal/gate"
	"github.com/kyushbot/cmdgate/internal/observability"
	"github.com/kyushbot/cmdgate/internal/platform/cache"
	"github.com/kyushbot/cmdgate/internal/platform/db"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/internal/seed"
	"github.com/kyushbot/cmdgate/internal/transport"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

type migratorFunc func(ctx context.Context) error

func (f migratorFunc) Migrate(ctx context.Context) error { return f(ctx) }

// Stores holds the opened persistence backends.
type Stores struct {
	ACL    acl.Repository
	Rules  ratelimit.RuleRepository
	Events ratelimit.EventLog

	migrators []migrator
	closers   []func() error
}

// OpenStores connects the backends selected by STORE_DRIVER and
// RATE_EVENT_BACKEND.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}
	if err := s.open(ctx, cfg, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	switch cfg.StoreDriver {
	case DriverPostgres:
		pool, err := db.NewPostgres(ctx, cfg.PGDSN,
			db.WithMaxConns(cfg.PGMaxConns),
			db.WithApplicationName("cmdgate"))
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		s.ACL = acl.NewPostgresRepository(pool)
		s.Rules = ratelimit.NewPostgresRules(pool)
		withEvents := cfg.RateEventBackend == BackendSQL
		if withEvents {
			s.Events = ratelimit.NewPostgresEvents(pool)
		}
		s.migrators = append(s.migrators, migratorFunc(func(ctx context.Context) error {
			return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
				if err := acl.NewPostgresRepository(tx).Migrate(ctx); err != nil {
					return err
				}
				if err := ratelimit.NewPostgresRules(tx).Migrate(ctx); err != nil {
					return err
				}
				if withEvents {
					return ratelimit.NewPostgresEvents(tx).Migrate(ctx)
				}
				return nil
			})
		}))
	default:
		configDB, err := openSQLite(ctx, cfg.SQLiteConfigPath)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, configDB.Close)
		aclRepo := acl.NewSQLiteRepository(configDB)
		rules := ratelimit.NewSQLiteRules(configDB)
		s.ACL, s.Rules = aclRepo, rules
		s.migrators = append(s.migrators, aclRepo, rules)
		if cfg.RateEventBackend == BackendSQL {
			logDB, err := openSQLite(ctx, cfg.SQLiteLogPath)
			if err != nil {
				return err
			}
			s.closers = append(s.closers, logDB.Close)
			events := ratelimit.NewSQLiteEvents(logDB)
			s.Events = events
			s.migrators = append(s.migrators, events)
		}
	}

	if cfg.RateEventBackend == BackendRedis {
		client, err := cache.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, client.Close)
		s.Events = ratelimit.NewRedisEvents(client, "")
	}
	logger.Info("stores opened",
		slog.String("driver", cfg.StoreDriver),
		slog.String("rate_events", cfg.RateEventBackend))
	return nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}
	return db.NewSQLite(ctx, db.SQLiteConfig{Path: path})
}

// Migrate creates the schema of every store.
func (s *Stores) Migrate(ctx context.Context) error {
	for _, m := range s.migrators {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("app: migrate: %w", err)
		}
	}
	return nil
}

// Close releases every backend.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Gate is the assembled command pipeline.
type Gate struct {
	Resolver   *acl.Resolver
	Limiter    *ratelimit.Limiter
	Registry   *gate.Registry
	Dispatcher *gate.Dispatcher
	Admin      *commands.Admin
}

// GateParams groups the dependencies of NewGate.
type GateParams struct {
	Config  *Config
	Stores  *Stores
	Sender  gate.Sender
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Commands are registered after the built-in and admin commands.
	Commands []gate.Spec
}

// NewGate builds the resolver, limiter, registry and dispatcher, then applies
// the seed file when one is configured.
func NewGate(ctx context.Context, p GateParams) (*Gate, error) {
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []acl.Option{
		acl.WithDefaultAllow(cfg.DefaultAllowCommands...),
		acl.WithCacheSize(cfg.ACLCacheSize),
		acl.WithLogger(logger),
	}
	if id, ok := cfg.Admin(); ok {
		opts = append(opts, acl.WithAdminID(id))
	}
	resolver, err := acl.NewResolver(ctx, p.Stores.ACL, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: resolver: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(ctx, p.Stores.Rules, p.Stores.Events, resolver,
		ratelimit.WithStrict(cfg.RateLimitStrict),
		ratelimit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: limiter: %w", err)
	}

	admin := commands.NewAdmin(resolver, limiter, logger)
	builtins := commands.NewBuiltins(cfg.BotID)
	registry := gate.NewRegistry(cfg.BotID)
	specs := append(builtins.Specs(), commands.AdminSpecs(admin, cfg.BotID)...)
	for _, spec := range append(specs, p.Commands...) {
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("app: register %s: %w", spec.Name, err)
		}
	}

	sender := p.Sender
	if sender == nil {
		sender = transport.NewLogSender(logger)
	}
	dispatcher := gate.NewDispatcher(registry, resolver, limiter, sender,
		gate.WithDispatchLogger(logger),
		gate.WithRecorder(p.Metrics))
	builtins.Bind(dispatcher)

	if cfg.SeedFile != "" {
		file, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if _, err := seed.Apply(ctx, file, resolver, limiter, logger); err != nil {
			return nil, err
		}
	}

	return &Gate{
		Resolver:   resolver,
		Limiter:    limiter,
		Registry:   registry,
		Dispatcher: dispatcher,
		Admin:      admin,
	}, nil
}

// NewSender builds the outbound sender: replies are logged and paced.
func NewSender(cfg *Config, logger *slog.Logger) *transport.Throttled {
	return transport.NewThrottled(transport.NewLogSender(logger), cfg.OutboundRPS, cfg.OutboundBurst)
}
