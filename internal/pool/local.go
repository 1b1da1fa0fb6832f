package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aristath/distbuild/internal/protocol"
	"github.com/aristath/distbuild/internal/worker"
)

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// LocalPool serves a fixed number of cores from an in-process worker.
type LocalPool struct {
	worker *worker.Worker
	cores  int
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	free   []int // Free core numbers, lowest last
	closed bool

	closeCtx  context.Context
	closeFunc context.CancelFunc
	sessions  sync.WaitGroup
}

// NewLocalPool creates a pool of cores served by w.
func NewLocalPool(w *worker.Worker, cores int, logger *slog.Logger) *LocalPool {
	if cores < 1 {
		cores = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	free := make([]int, 0, cores)
	for n := cores; n >= 1; n-- {
		free = append(free, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalPool{
		worker:    w,
		cores:     cores,
		sem:       semaphore.NewWeighted(int64(cores)),
		logger:    logger,
		free:      free,
		closeCtx:  ctx,
		closeFunc: cancel,
	}
}

// Cores returns the pool's capacity.
func (p *LocalPool) Cores() int {
	return p.cores
}

// Available returns the number of unreserved cores.
func (p *LocalPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// ReserveCore blocks until a local core is free. preferLocal is ignored.
func (p *LocalPool) ReserveCore(ctx context.Context, preferLocal bool) (Core, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		if p.closeCtx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return p.open()
}

// TryReserve reserves a core without waiting, returning ErrNoCapacity when all are in use.
func (p *LocalPool) TryReserve() (Core, error) {
	if !p.sem.TryAcquire(1) {
		return nil, ErrNoCapacity
	}
	return p.open()
}

// open starts a worker session for a slot. The caller holds one semaphore unit.
func (p *LocalPool) open() (Core, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("local pool semaphore admitted a reservation with no free slot")
	}
	number := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.sessions.Add(1)
	p.mu.Unlock()

	client, server := protocol.Pipe()
	sessionCtx, cancel := context.WithCancel(p.closeCtx)
	done := make(chan struct{})

	go func() {
		defer p.sessions.Done()
		defer close(done)
		if err := p.worker.Serve(sessionCtx, loopback, server); err != nil {
			p.logger.Debug("local core session ended", "core", number, "error", err)
		}
	}()

	return &localCore{
		pool:   p,
		number: number,
		stream: client,
		cancel: cancel,
		done:   done,
	}, nil
}

func (p *LocalPool) release(number int) {
	p.mu.Lock()
	p.free = append(p.free, number)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close rejects new reservations, cancels running sessions and waits for them to end.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeFunc()
	p.sessions.Wait()
	return nil
}

type localCore struct {
	pool   *LocalPool
	number int
	stream protocol.ClientStream
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *localCore) WorkerName() string            { return c.pool.worker.Name() }
func (c *localCore) CoreNumber() int               { return c.number }
func (c *localCore) Stream() protocol.ClientStream { return c.stream }

// Release stops the worker session, waits for it and frees the slot.
func (c *localCore) Release() error {
	c.once.Do(func() {
		c.stream.Close()
		c.cancel()
		<-c.done
		c.pool.release(c.number)
	})
	return nil
}
