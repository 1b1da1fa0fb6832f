package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/distbuild/internal/pool"
	"github.com/aristath/distbuild/internal/protocol"
	"github.com/aristath/distbuild/internal/worker"
)

var errShuttingDown = errors.New("worker shutting down")

// Server exposes a worker's cores over websockets. Each connection to
// CorePath holds one core for its lifetime; when all cores are taken the
// upgrade is refused with 503 Service Unavailable.
type Server struct {
	worker   *worker.Worker
	cores    int
	sem      *semaphore.Weighted
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	free   []int
	closed bool

	ctx      context.Context // Parent of every core session
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates a server for w with the given number of cores.
func NewServer(w *worker.Worker, cores int, logger *slog.Logger) *Server {
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
	return &Server{
		worker: w,
		cores:  cores,
		sem:    semaphore.NewWeighted(int64(cores)),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("worker", w.Name()),
		free:   free,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler serving CorePath and HealthPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+CorePath, s.handleCore)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// and cancels every running core session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", "address", ln.Addr().String(), "cores", s.cores)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down worker")
	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close cancels every core session and waits for them to end.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.sessions.Wait()
}

// Available returns the number of unreserved cores.
func (s *Server) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// reserve takes a free core number and registers a session for it.
func (s *Server) reserve() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errShuttingDown
	}
	if !s.sem.TryAcquire(1) {
		return 0, pool.ErrNoCapacity
	}
	n := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.sessions.Add(1)
	return n, nil
}

func (s *Server) putSlot(n int) {
	s.mu.Lock()
	s.free = append(s.free, n)
	s.mu.Unlock()
	s.sem.Release(1)
}

func (s *Server) handleCore(w http.ResponseWriter, r *http.Request) {
	number, err := s.reserve()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()
	defer s.putSlot(number)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn := newConn(ws)
	reserved := protocol.ExecutionResponse{Reserved: &protocol.ReserveResponse{
		WorkerName: s.worker.Name(),
		CoreNumber: number,
	}}
	if err := conn.write(ctx, reserved); err != nil {
		s.logger.Warn("failed to confirm reservation", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	peer := peerAddr(r.RemoteAddr)
	s.logger.Debug("core reserved", "core", number, "peer", peer)

	stream := &serverStream{conn: conn, cancel: cancel}
	if err := s.worker.Serve(ctx, peer, stream); err != nil {
		s.logger.Debug("core session ended", "core", number, "error", err)
	}
}

type health struct {
	Worker    string `json:"worker"`
	Cores     int    `json:"cores"`
	Available int    `json:"available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("health check endpoint hit", "remote_addr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Worker:    s.worker.Name(),
		Cores:     s.cores,
		Available: s.Available(),
	})
}

func peerAddr(remote string) netip.Addr {
	ap, err := netip.ParseAddrPort(remote)
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
