package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/db"
	"github.com/sells-group/entity-resolver/internal/enrich"
	"github.com/sells-group/entity-resolver/internal/events"
	"github.com/sells-group/entity-resolver/internal/lock"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/resolver"
	"github.com/sells-group/entity-resolver/internal/store"
	"github.com/sells-group/entity-resolver/pkg/enrichapi"
	sfpkg "github.com/sells-group/entity-resolver/pkg/salesforce"
)

// initStore opens the configured store and brings its schema up to date.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "resolver.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLocker returns a Redis lock when an address is configured, otherwise
// an in-process one.
func initLocker(ctx context.Context) (lock.Locker, func() error, error) {
	if cfg.Redis.Addr == "" {
		return lock.NewKeyedMutex(), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, nil, eris.Wrapf(err, "connect redis %s", cfg.Redis.Addr)
	}
	ttl := time.Duration(cfg.Resolve.LockTTLSecs) * time.Second
	return lock.NewRedisLocker(rdb, "", ttl, ttl), rdb.Close, nil
}

// initPublisher returns a Kafka publisher when brokers are configured.
func initPublisher() (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Nop{}, nil
	}
	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init kafka publisher")
	}
	return pub, nil
}

// initProviders builds the configured enrichment providers, each behind its
// own rate limit, retry policy and circuit breaker.
func initProviders() (*enrich.Registry, error) {
	reg := enrich.NewRegistry()
	breakers := resilience.NewBreakers(circuitConfig())

	var sf sfpkg.Client
	for _, pc := range cfg.Providers {
		tier := model.TrustTier(pc.Tier)
		var p enrich.Provider
		switch pc.Kind {
		case "http":
			opts := []enrichapi.Option{enrichapi.WithTimeout(pc.Timeout())}
			if pc.Path != "" {
				opts = append(opts, enrichapi.WithPath(pc.Path))
			}
			p = enrich.NewHTTPProvider(pc.Name, tier, enrichapi.NewClient(pc.BaseURL, pc.APIKey, opts...))
		case "salesforce":
			if sf == nil {
				c, err := initSalesforce()
				if err != nil {
					return nil, err
				}
				sf = c
			}
			p = enrich.NewSalesforceProvider(pc.Name, tier, sf)
		default:
			return nil, eris.Errorf("provider %s: unsupported kind %q", pc.Name, pc.Kind)
		}

		reg.Register(enrich.Guard(p, enrich.GuardConfig{
			RPS:     pc.RPS,
			Timeout: pc.Timeout(),
			Retry:   retryConfig(),
		}, breakers.Get(pc.Name)))
	}

	if names := reg.List(); len(names) > 0 {
		zap.L().Info("enrichment providers ready", zap.Strings("providers", names))
	}
	return reg, nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (RESOLVER_SALESFORCE_CLIENT_ID)")
	}
	c, err := sfpkg.Connect(sfpkg.Config{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPath:  cfg.Salesforce.KeyPath,
	}, sfpkg.WithRateLimit(5))
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}
	return c, nil
}

func retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff(),
		MaxBackoff:     cfg.Retry.MaxBackoff(),
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
	}
}

func circuitConfig() resilience.CircuitBreakerConfig {
	cb := resilience.DefaultCircuitBreakerConfig()
	if cfg.Circuit.FailureThreshold > 0 {
		cb.FailureThreshold = cfg.Circuit.FailureThreshold
	}
	if cfg.Circuit.ResetTimeoutSecs > 0 {
		cb.ResetTimeout = time.Duration(cfg.Circuit.ResetTimeoutSecs) * time.Second
	}
	return cb
}

// app bundles the collaborators a command needs.
type app struct {
	store     store.Store
	locker    lock.Locker
	publisher events.Publisher
	metrics   *resolver.Metrics
	closers   []func() error
}

// openApp wires the store, lock and event publisher from configuration.
func openApp(ctx context.Context) (*app, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: st, metrics: resolver.NewMetrics(), closers: []func() error{st.Close}}

	locker, closeLocker, err := initLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.locker = locker
	a.closers = append(a.closers, closeLocker)

	pub, err := initPublisher()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = pub
	a.closers = append(a.closers, pub.Close)
	return a, nil
}

// resolver builds the orchestrator. Providers are only wired when asked
// for, so commands that never enrich need no provider credentials.
func (a *app) resolver(dryRun, withProviders bool) (*resolver.Resolver, error) {
	opts := []resolver.Option{
		resolver.WithLocker(a.locker),
		resolver.WithPublisher(a.publisher),
		resolver.WithMetrics(a.metrics),
	}
	if withProviders {
		reg, err := initProviders()
		if err != nil {
			return nil, err
		}
		opts = append(opts, resolver.WithProviders(reg))
	}
	return resolver.New(a.store, resolver.Config{
		DefaultCountry:     cfg.Resolve.DefaultCountry,
		Workers:            cfg.Resolve.Workers,
		AutoMergeThreshold: cfg.Resolve.AutoMergeThreshold,
		DryRun:             dryRun,
		Retry:              retryConfig(),
	}, opts...), nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}
