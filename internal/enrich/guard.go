package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// GuardConfig bounds how a provider is called.
type GuardConfig struct {
	// RPS is the provider's request rate limit. Zero disables limiting.
	RPS float64
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Guarded wraps a Provider with a rate limiter, per-attempt timeout,
// bounded retries and a circuit breaker. It implements Provider.
type Guarded struct {
	inner   Provider
	limiter *rate.Limiter
	timeout time.Duration
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// Guard wraps p. breaker may be shared across providers' calls but is
// usually one per provider name.
func Guard(p Provider, cfg GuardConfig, breaker *resilience.CircuitBreaker) *Guarded {
	g := &Guarded{
		inner:   p,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: breaker,
	}
	if cfg.RPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(int(cfg.RPS), 1))
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger(p.Name(), "lookup")
	}
	// Not-found is an answer, not a failure.
	g.retry.ShouldRetry = func(err error) bool {
		return !eris.Is(err, ErrNotFound) && resilience.IsTransient(err)
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Tier() model.TrustTier { return g.inner.Tier() }

// Lookup calls the wrapped provider. A transient error returned here means
// retries are exhausted or the circuit is open.
func (g *Guarded) Lookup(ctx context.Context, c Criteria) (map[string]string, error) {
	attrs, attempts, err := resilience.DoCount(ctx, g.retry, func(ctx context.Context) (map[string]string, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "enrich: rate limit")
			}
		}
		if g.breaker == nil {
			return g.attempt(ctx, c)
		}
		return resilience.Call(ctx, g.breaker, func(ctx context.Context) (map[string]string, error) {
			attrs, err := g.attempt(ctx, c)
			if eris.Is(err, ErrNotFound) {
				// A clean miss proves the provider is healthy.
				return nil, nil
			}
			return attrs, err
		})
	})
	if err == nil && attrs == nil {
		err = ErrNotFound
	}
	if err != nil && !eris.Is(err, ErrNotFound) {
		zap.L().Warn("enrich: lookup failed",
			zap.String("provider", g.Name()),
			zap.String("criteria", string(c.Kind)),
			zap.Int("attempts", int(attempts)),
			zap.String("kind", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
	}
	return attrs, err
}

func (g *Guarded) attempt(ctx context.Context, c Criteria) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	attrs, err := g.inner.Lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, ErrNotFound
	}
	return attrs, nil
}
