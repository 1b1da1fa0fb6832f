package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/distbuild/internal/logging"
)

// Dialer reserves one core on a specific remote worker.
// Dial returns ErrNoCapacity when the worker has no free core.
type Dialer interface {
	Name() string
	Dial(ctx context.Context) (Core, error)
}

// RemotePool reserves cores on remote workers, round-robin.
// Each worker sits behind a circuit breaker; reservations retry with backoff
// until a worker grants a core, the retry budget runs out or ctx is done.
type RemotePool struct {
	dialers  []Dialer
	breakers *BreakerRegistry
	retry    RetryConfig
	logger   *slog.Logger
	next     atomic.Uint64
}

// NewRemotePool creates a pool over the given workers.
func NewRemotePool(dialers []Dialer, retry RetryConfig, breakers *BreakerRegistry, logger *slog.Logger) *RemotePool {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig(), logger)
	}
	return &RemotePool{
		dialers:  dialers,
		breakers: breakers,
		retry:    retry,
		logger:   logger,
	}
}

// Workers returns the number of configured workers.
func (p *RemotePool) Workers() int {
	return len(p.dialers)
}

// ReserveCore dials workers until one grants a core. preferLocal is ignored.
func (p *RemotePool) ReserveCore(ctx context.Context, preferLocal bool) (Core, error) {
	if len(p.dialers) == 0 {
		return nil, ErrNoWorkers
	}

	var core Core
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		c, err := p.tryAll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		core = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retry.InitialInterval
	policy.MaxInterval = p.retry.MaxInterval
	policy.MaxElapsedTime = p.retry.MaxElapsedTime
	policy.Multiplier = p.retry.Multiplier
	policy.RandomizationFactor = p.retry.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("reserving remote core: %w", err)
	}
	return core, nil
}

// TryReserve makes a single pass over the workers without retrying.
func (p *RemotePool) TryReserve(ctx context.Context) (Core, error) {
	if len(p.dialers) == 0 {
		return nil, ErrNoWorkers
	}
	core, err := p.tryAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving remote core: %w", err)
	}
	return core, nil
}

// tryAll makes one pass over every worker, starting after the last one used.
func (p *RemotePool) tryAll(ctx context.Context) (Core, error) {
	start := p.next.Add(1) - 1
	logger := logging.FromContext(ctx, p.logger)
	var errs []error

	for i := range p.dialers {
		d := p.dialers[(start+uint64(i))%uint64(len(p.dialers))]
		cb := p.breakers.Get(d.Name())

		result, err := cb.Execute(func() (interface{}, error) {
			return d.Dial(ctx)
		})
		if err == nil {
			return result.(Core), nil
		}

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			logger.Debug("skipping worker with open breaker", "worker", d.Name())
		case errors.Is(err, ErrNoCapacity):
			logger.Debug("worker has no free core", "worker", d.Name())
		default:
			logger.Warn("failed to reserve core", "worker", d.Name(), "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, errors.Join(errs...)
}
