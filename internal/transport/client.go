package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aristath/distbuild/internal/pool"
	"github.com/aristath/distbuild/internal/protocol"
)

// Client reserves cores on one remote worker. It implements pool.Dialer.
type Client struct {
	name   string
	url    string
	dialer *websocket.Dialer
}

// NewClient creates a client for the worker at address, which is either
// host:port or a ws:// or wss:// URL. CorePath is appended when the URL has no path.
func NewClient(name, address string) (*Client, error) {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing worker address %q: %w", address, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported worker address scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = CorePath
	}
	if name == "" {
		name = u.Host
	}

	return &Client{
		name: name,
		url:  u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (c *Client) Name() string { return c.name }

// URL returns the websocket URL cores are reserved from.
func (c *Client) URL() string { return c.url }

// Dial reserves one core. A worker without free cores yields pool.ErrNoCapacity.
func (c *Client) Dial(ctx context.Context) (pool.Core, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("worker %s: %w", c.name, pool.ErrNoCapacity)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}

	stream := &clientStream{conn: newConn(ws)}
	first, err := stream.Recv(ctx)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("waiting for reservation from %s: %w", c.name, err)
	}
	switch {
	case first.Reserved != nil:
		return &remoteCore{
			worker: first.Reserved.WorkerName,
			number: first.Reserved.CoreNumber,
			stream: stream,
		}, nil
	case first.Error != nil:
		stream.Close()
		return nil, fmt.Errorf("worker %s refused reservation: %s", c.name, first.Error.Message)
	default:
		stream.Close()
		return nil, fmt.Errorf("worker %s: %w: expected reservation", c.name, protocol.ErrUnexpectedResponse)
	}
}

type remoteCore struct {
	worker string
	number int
	stream *clientStream
	once   sync.Once
	err    error
}

func (c *remoteCore) WorkerName() string            { return c.worker }
func (c *remoteCore) CoreNumber() int               { return c.number }
func (c *remoteCore) Stream() protocol.ClientStream { return c.stream }

// Release closes the connection, which frees the core on the worker.
func (c *remoteCore) Release() error {
	c.once.Do(func() {
		if err := c.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.err = err
		}
	})
	return c.err
}
