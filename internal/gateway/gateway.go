// Package gateway serves task lifecycle events to WebSocket clients.
//
// Clients connect to /ws and receive every event as a JSON envelope, or
// only one task's events when a task_id query parameter is given. The
// gateway never blocks the bus: a client that cannot keep up with its
// buffered subscription, or that misses a write deadline, is dropped.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crawlplane/internal/bus"
	"crawlplane/internal/logging"
)

const (
	// writeWait bounds one frame write to a client.
	writeWait = 5 * time.Second

	// pingPeriod keeps idle connections alive through proxies. It must
	// be shorter than pongWait.
	pingPeriod = 30 * time.Second
	pongWait   = 45 * time.Second

	// subscriptionBuffer is the per-client event buffer on the bus.
	subscriptionBuffer = 256
)

// Server is the WebSocket event gateway.
type Server struct {
	bus      *bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    map[*websocket.Conn]struct{}
	closed   bool
}

// New creates a gateway fanning out events from b.
func New(b *bus.Bus, logger *slog.Logger) *Server {
	return &Server{
		bus:    b,
		logger: logging.Default(logger).With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler serving /ws and the health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve accepts connections on the listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("task_id")
	if topic == "" {
		topic = bus.Wildcard
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	sub := s.bus.Subscribe(topic, subscriptionBuffer)
	s.logger.Debug("client connected", "remote", r.RemoteAddr, "topic", topic)

	defer func() {
		sub.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Debug("client disconnected", "remote", r.RemoteAddr)
	}()

	// The client is not expected to send anything, but the read loop must
	// run to process control frames and observe the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				// Buffer overflowed and the bus dropped us, or the bus closed.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return
			}
			data, err := bus.EncodeEnvelope(ev)
			if err != nil {
				s.logger.Error("failed to encode event", "error", err, "task_id", ev.TaskID)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("dropping slow client", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
