package protocol

import (
	"context"
	"io"
	"sync"
)

// ClientStream is the dispatcher's end of a core: it sends requests and receives responses.
type ClientStream interface {
	Send(ctx context.Context, req ExecutionRequest) error
	// Recv returns io.EOF once the core has finished sending.
	Recv(ctx context.Context) (ExecutionResponse, error)
	Close() error
}

// ServerStream is the worker's end of a core.
type ServerStream interface {
	// Recv returns io.EOF if the dispatcher closed the stream without sending.
	Recv(ctx context.Context) (ExecutionRequest, error)
	Send(ctx context.Context, resp ExecutionResponse) error
	// Close signals that no more responses follow. Send must not be called afterwards.
	Close() error
}

// responseBuffer bounds how far a worker can run ahead of the dispatcher.
const responseBuffer = 64

// pipe is an in-process bidirectional stream used by local cores.
type pipe struct {
	requests  chan ExecutionRequest
	responses chan ExecutionResponse

	clientDone chan struct{} // closed by the client's Close
	serverDone chan struct{} // closed by the server's Close
	clientOnce sync.Once
	serverOnce sync.Once
}

// Pipe returns a connected in-memory client/server stream pair.
func Pipe() (ClientStream, ServerStream) {
	p := &pipe{
		requests:   make(chan ExecutionRequest),
		responses:  make(chan ExecutionResponse, responseBuffer),
		clientDone: make(chan struct{}),
		serverDone: make(chan struct{}),
	}
	return &pipeClient{p}, &pipeServer{p}
}

type pipeClient struct{ p *pipe }

func (c *pipeClient) Send(ctx context.Context, req ExecutionRequest) error {
	select {
	case <-c.p.clientDone:
		return ErrStreamClosed
	default:
	}

	select {
	case c.p.requests <- req:
		return nil
	case <-c.p.serverDone:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeClient) Recv(ctx context.Context) (ExecutionResponse, error) {
	// Buffered responses are delivered before the close is observed
	select {
	case resp := <-c.p.responses:
		return resp, nil
	default:
	}

	select {
	case resp := <-c.p.responses:
		return resp, nil
	case <-c.p.serverDone:
		select {
		case resp := <-c.p.responses:
			return resp, nil
		default:
			return ExecutionResponse{}, io.EOF
		}
	case <-ctx.Done():
		return ExecutionResponse{}, ctx.Err()
	}
}

func (c *pipeClient) Close() error {
	c.p.clientOnce.Do(func() { close(c.p.clientDone) })
	return nil
}

type pipeServer struct{ p *pipe }

func (s *pipeServer) Recv(ctx context.Context) (ExecutionRequest, error) {
	select {
	case req := <-s.p.requests:
		return req, nil
	case <-s.p.clientDone:
		return ExecutionRequest{}, io.EOF
	case <-ctx.Done():
		return ExecutionRequest{}, ctx.Err()
	}
}

func (s *pipeServer) Send(ctx context.Context, resp ExecutionResponse) error {
	select {
	case <-s.p.clientDone:
		return ErrStreamClosed
	default:
	}

	select {
	case s.p.responses <- resp:
		return nil
	case <-s.p.clientDone:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pipeServer) Close() error {
	s.p.serverOnce.Do(func() { close(s.p.serverDone) })
	return nil
}
