// Package echo is a traced TCP echo server. Every client is handled by an
// observed session task; every message goes through a short traced
// processing pipeline before it is echoed back as "Echo #<n>: <text>".
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vosaka/vtracer"
	"github.com/vosaka/vtracer/spawn"
)

// DefaultAddr is the address the demo server binds.
const DefaultAddr = "127.0.0.1:8099"

const (
	readBufferSize = 1024
	previewLength  = 50
)

var processingSteps = []string{"validate", "transform", "store"}

// Stats is the outcome of one client session.
type Stats struct {
	Messages int
	Bytes    int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProcessingDelay makes each processing step take d on the tracer's
// clock.
func WithProcessingDelay(d time.Duration) Option {
	return func(s *Server) { s.stepDelay = d }
}

// Server echoes lines back to TCP clients and traces every step.
type Server struct {
	tracer    *vtracer.Tracer
	ext       *vtracer.Extensions
	logger    *slog.Logger
	stepDelay time.Duration
	clients   atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a server tracing to tracer.
func NewServer(tracer *vtracer.Tracer, opts ...Option) *Server {
	s := &Server{
		tracer: tracer,
		ext:    vtracer.NewExtensions(tracer),
		logger: slog.Default(),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe binds addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.tracer.Trace(vtracer.LevelCritical, vtracer.TaskError, "Server fatal error",
			vtracer.F("error", err, "address", addr))
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// ClientsServed returns how many clients have been accepted.
func (s *Server) ClientsServed() int64 {
	return s.clients.Load()
}

// Serve accepts clients on ln until ctx is canceled, then closes ln and
// every open client connection and waits for their sessions to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	addr := ln.Addr().String()
	host, port, _ := net.SplitHostPort(addr)

	serverTrace := s.tracer.StartTrace("tcp_server", vtracer.F(
		"bind_address", addr,
		"server_start_time", s.tracer.Clock().Now().Format(time.DateTime),
	))
	s.ext.TCPConnect(host, port, serverTrace)
	s.tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskSpawn, "TCP server listening successfully",
		vtracer.F("socket_info", "TCPListener bound"), serverTrace, "")

	group, gctx := spawn.NewGroup(vtracer.ContextWithTrace(ctx, serverTrace), s.tracer, spawn.KeepGoing())

	stop := context.AfterFunc(gctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	var serveErr error
	for {
		s.tracer.TraceWith(vtracer.LevelDebug, vtracer.TCPAccept, "Waiting for client connections...",
			vtracer.F("active_clients", s.activeConns()), serverTrace, "")

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				serveErr = err
				s.tracer.TraceWith(vtracer.LevelCritical, vtracer.TaskError, "Server fatal error",
					vtracer.F("error", err), serverTrace, "")
			}
			break
		}
		s.track(conn)

		n := s.clients.Add(1)
		s.ext.TCPAccept(fmt.Sprintf("Client #%d", n), serverTrace)
		s.tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskSpawn, "Spawning handler for new client",
			vtracer.F("client_number", n, "total_clients_served", n), serverTrace, "")

		spawn.Spawn(group, fmt.Sprintf("client_handler_%d", n), s.session(gctx, conn, n, serverTrace),
			vtracer.F("client_id", n), nil)
	}

	// Shutdown path: make sure blocked sessions are released.
	ln.Close()
	s.closeConns()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("echo: client session failed", "error", err)
	}

	s.tracer.EndTrace(serverTrace, vtracer.F("clients_served", s.clients.Load()))
	return serveErr
}

// session returns the client's message stream: one value per echoed
// response, finishing with the session stats.
func (s *Server) session(ctx context.Context, conn net.Conn, n int64, serverTrace string) vtracer.Sequence[string, Stats] {
	return vtracer.Generate(func(yield func(string) bool) (Stats, error) {
		return s.handle(ctx, conn, n, serverTrace, yield)
	})
}

func (s *Server) handle(ctx context.Context, conn net.Conn, n int64, serverTrace string, yield func(string) bool) (stats Stats, err error) {
	clock := s.tracer.Clock()
	traceID := s.tracer.StartChildTrace(serverTrace, "handle_client", vtracer.F(
		"client_id", n,
		"remote_address", conn.RemoteAddr().String(),
	))
	s.tracer.TraceWith(vtracer.LevelInfo, vtracer.TCPAccept, "New client connection established",
		vtracer.F("trace_id", traceID), traceID, "")

	peerClosed := false
	defer func() {
		if !peerClosed {
			s.tracer.TraceWith(vtracer.LevelInfo, vtracer.TCPClose, "Client connection closed", nil, traceID, "")
		}
		s.untrack(conn)
		conn.Close()
		s.tracer.EndTrace(traceID, vtracer.F(
			"final_message_count", stats.Messages,
			"final_total_bytes", stats.Bytes,
		))
	}()

	buf := make([]byte, readBufferSize)
	for {
		s.tracer.TraceWith(vtracer.LevelDebug, vtracer.IORead, "Starting read operation",
			vtracer.F("buffer_size", readBufferSize), traceID, "")

		start := clock.Now()
		read, rerr := conn.Read(buf)
		if read == 0 {
			switch {
			case rerr == nil:
				continue
			case errors.Is(rerr, io.EOF):
				peerClosed = true
				s.ext.TCPClose("Client disconnected gracefully", vtracer.F(
					"messages_processed", stats.Messages,
					"total_bytes", stats.Bytes,
				), traceID)
				return stats, nil
			case ctx.Err() != nil:
				return stats, nil
			default:
				s.tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "Error handling client",
					vtracer.F("error", rerr, "messages_processed", stats.Messages), traceID, "")
				return stats, rerr
			}
		}

		data := string(buf[:read])
		stats.Messages++
		stats.Bytes += int64(read)
		s.ext.IOOperation(vtracer.OpRead, int64(read), clock.Since(start), traceID)

		s.tracer.TraceWith(vtracer.LevelDebug, vtracer.TaskResume, "Processing received message",
			vtracer.F(
				"message_length", read,
				"message_preview", preview(data),
				"message_count", stats.Messages,
			), traceID, "")
		s.process(data, traceID)

		response := fmt.Sprintf("Echo #%d: %s\n", stats.Messages, strings.TrimSpace(data))
		writeStart := clock.Now()
		written, werr := io.WriteString(conn, response)
		s.ext.IOOperation(vtracer.OpWrite, int64(written), clock.Since(writeStart), traceID)
		if werr != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			s.tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "Error handling client",
				vtracer.F("error", werr, "messages_processed", stats.Messages), traceID, "")
			return stats, werr
		}
		s.tracer.TraceWith(vtracer.LevelDebug, vtracer.IOWrite, "Response sent to client",
			vtracer.F("bytes_written", written, "response_preview", preview(response)), traceID, "")

		if !yield(response) {
			return stats, nil
		}
	}
}

// process runs the message through the processing steps under its own
// trace.
func (s *Server) process(data, parentTrace string) {
	traceID := s.tracer.StartChildTrace(parentTrace, "process_message",
		vtracer.F("data_length", len(data)))
	for _, step := range processingSteps {
		s.tracer.TraceWith(vtracer.LevelDebug, vtracer.TaskResume, "Processing step: "+step,
			vtracer.F("step", step), traceID, "")
		if s.stepDelay > 0 {
			s.tracer.Clock().Sleep(s.stepDelay)
		}
	}
	s.tracer.EndTrace(traceID, nil)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func preview(s string) string {
	if len(s) <= previewLength {
		return s
	}
	return s[:previewLength] + "..."
}
