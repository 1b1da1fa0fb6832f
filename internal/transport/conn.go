// Package transport carries core streams between dispatchers and remote
// workers over websockets. Frames are JSON-encoded protocol messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aristath/distbuild/internal/protocol"
)

const (
	// CorePath is the endpoint that reserves one core per websocket connection.
	CorePath = "/core"
	// HealthPath reports worker capacity.
	HealthPath = "/healthz"

	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

// wsConn serializes writes and maps websocket errors onto stream semantics.
// gorilla/websocket allows one concurrent reader and one concurrent writer.
type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, closed: make(chan struct{})}
}

func (c *wsConn) write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return protocol.ErrStreamClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteJSON(v); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return protocol.ErrStreamClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// read decodes one frame. A normal close from the peer is io.EOF.
// Cancelling ctx aborts the read and leaves the connection unusable.
func (c *wsConn) read(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	err := c.ws.ReadJSON(v)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return io.EOF
	default:
		return fmt.Errorf("reading frame: %w", err)
	}
}

// sendClose tells the peer no more frames follow, without closing the socket.
func (c *wsConn) sendClose() {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	})
}

// clientStream is the dispatcher's end of a remote core.
type clientStream struct {
	conn *wsConn
}

func (s *clientStream) Send(ctx context.Context, req protocol.ExecutionRequest) error {
	return s.conn.write(ctx, req)
}

func (s *clientStream) Recv(ctx context.Context) (protocol.ExecutionResponse, error) {
	var resp protocol.ExecutionResponse
	err := s.conn.read(ctx, &resp)
	return resp, err
}

func (s *clientStream) Close() error {
	s.conn.sendClose()
	return s.conn.ws.Close()
}

// serverStream is the worker's end of a remote core. After the request has
// been read it keeps draining the socket so a dispatcher disconnect cancels
// the running task.
type serverStream struct {
	conn    *wsConn
	cancel  context.CancelFunc
	watched sync.Once
}

func (s *serverStream) Recv(ctx context.Context) (protocol.ExecutionRequest, error) {
	var req protocol.ExecutionRequest
	if err := s.conn.read(ctx, &req); err != nil {
		return req, err
	}
	s.watched.Do(func() { go s.watch() })
	return req, nil
}

func (s *serverStream) watch() {
	defer s.cancel()
	for {
		if _, _, err := s.conn.ws.NextReader(); err != nil {
			return
		}
	}
}

func (s *serverStream) Send(ctx context.Context, resp protocol.ExecutionResponse) error {
	return s.conn.write(ctx, resp)
}

func (s *serverStream) Close() error {
	s.conn.sendClose()
	return nil
}
