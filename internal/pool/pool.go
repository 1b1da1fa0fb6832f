// Package pool hands out exclusive execution cores, each backed by a
// request/response stream to a worker.
package pool

import (
	"context"
	"errors"

	"github.com/aristath/distbuild/internal/protocol"
)

var (
	// ErrNoCapacity means every core of a worker or pool is reserved.
	ErrNoCapacity = errors.New("no free core")
	// ErrClosed is returned by reservations on a closed pool.
	ErrClosed = errors.New("pool closed")
	// ErrNoWorkers is returned by a remote pool without configured workers.
	ErrNoWorkers = errors.New("no remote workers configured")
)

// Core is an exclusive reservation of one execution slot.
type Core interface {
	// WorkerName identifies the machine owning the core.
	WorkerName() string
	// CoreNumber is the 1-based slot index on that worker.
	CoreNumber() int
	// Stream is the bidirectional channel to the worker serving this core.
	Stream() protocol.ClientStream
	// Release returns the core to its owner. Calling it more than once is harmless.
	Release() error
}

// Pool reserves cores. ReserveCore blocks until a core is free or ctx is done.
type Pool interface {
	ReserveCore(ctx context.Context, preferLocal bool) (Core, error)
}
