package pool

import (
	"context"
	"errors"
)

// CompositePool combines a local pool with remote workers.
//
// Tasks that prefer local cores take a free local core if there is one, then
// try each remote worker once, then wait for whichever side frees a core first.
// Remote-only tasks go remote; without remote workers they run locally.
type CompositePool struct {
	local  *LocalPool
	remote *RemotePool
}

// NewCompositePool creates a composite pool. Either side may be nil, not both.
func NewCompositePool(local *LocalPool, remote *RemotePool) *CompositePool {
	return &CompositePool{local: local, remote: remote}
}

func (p *CompositePool) ReserveCore(ctx context.Context, preferLocal bool) (Core, error) {
	hasRemote := p.remote != nil && p.remote.Workers() > 0
	switch {
	case p.local == nil && !hasRemote:
		return nil, ErrNoWorkers
	case p.local == nil:
		return p.remote.ReserveCore(ctx, preferLocal)
	case !hasRemote:
		return p.local.ReserveCore(ctx, preferLocal)
	}

	if !preferLocal {
		return p.remote.ReserveCore(ctx, preferLocal)
	}

	core, err := p.local.TryReserve()
	if err == nil {
		return core, nil
	}
	if !errors.Is(err, ErrNoCapacity) {
		return nil, err
	}

	core, err = p.remote.TryReserve(ctx)
	if err == nil {
		return core, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p.race(ctx)
}

type reservation struct {
	core Core
	err  error
}

// race waits on the local semaphore and the remote retry loop together and
// returns the first core either yields. A core won by the loser is released.
func (p *CompositePool) race(ctx context.Context) (Core, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	results := make(chan reservation, 2)
	go func() {
		c, err := p.local.ReserveCore(raceCtx, true)
		results <- reservation{c, err}
	}()
	go func() {
		c, err := p.remote.ReserveCore(raceCtx, true)
		results <- reservation{c, err}
	}()

	var errs []error
	for pending := 2; pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		cancel()
		if pending == 2 {
			go func() {
				if late := <-results; late.err == nil {
					late.core.Release()
				}
			}()
		}
		return r.core, nil
	}
	cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errors.Join(errs...)
}
