package server

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = stderrors.New("server closed")

// ConnObserver is told about every accepted connection.
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Config holds acceptor settings.
type Config struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Limits        wire.Limits
	MaxAcceptRate float64 // connections per second, 0 = unlimited
	Observer      ConnObserver
}

// Server accepts TCP connections and serves exactly one request on each.
type Server struct {
	cfg     Config
	handler middleware.Handler
	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool

	activeConns atomic.Int64
	connWg      sync.WaitGroup
}

// New creates a server that runs every parsed request through h.
func New(cfg Config, h middleware.Handler) *Server {
	s := &Server{cfg: cfg, handler: h}
	if cfg.MaxAcceptRate > 0 {
		burst := int(cfg.MaxAcceptRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxAcceptRate), burst)
	}
	return s
}

type connIDKey struct{}

// ConnID returns the connection id attached to ctx, if any.
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

// ListenAndServe binds cfg.Addr and serves until Shutdown or ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It always returns a non-nil error;
// ErrServerClosed after Shutdown or when ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	logging.Info("Server listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		ln.Close()
	})
	defer stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			if stderrors.Is(err, net.ErrClosed) {
				return err
			}
			delay := bo.NextBackOff()
			logging.Warn("Accept error; retrying",
				zap.Error(err),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		bo.Reset()

		s.activeConns.Add(1)
		s.connWg.Add(1)
		if s.cfg.Observer != nil {
			s.cfg.Observer.ConnectionOpened()
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one request on conn and closes it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.activeConns.Add(-1)
		if s.cfg.Observer != nil {
			s.cfg.Observer.ConnectionClosed()
		}
		s.connWg.Done()
	}()

	connID := uuid.NewString()
	remoteIP := hostOnly(conn.RemoteAddr())
	ctx = context.WithValue(ctx, connIDKey{}, connID)
	ctx = logging.WithFields(ctx, zap.String("conn_id", connID), zap.String("remote_ip", remoteIP))
	log := logging.FromContext(ctx)

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	req, err := wire.ReadRequest(bufio.NewReader(conn), s.cfg.Limits)
	if err != nil {
		var perr *wire.ParseError
		switch {
		case stderrors.Is(err, io.EOF) && !stderrors.As(err, &perr):
			return
		case stderrors.As(err, &perr) && !isTimeout(err):
			log.Debug("Rejecting malformed request", zap.Error(err))
			res := wire.NewResponse()
			errors.ErrBadRequest.WithDetails(perr.Reason).Write(nil, res)
			s.write(ctx, conn, res)
		default:
			log.Debug("Reading request failed", zap.Error(err))
		}
		return
	}

	req = req.WithClientIP(remoteIP).WithAttribute(wire.AttrClientIP, remoteIP)
	s.write(ctx, conn, s.dispatch(ctx, req))
}

// dispatch runs the handler. Returned errors and panics become a 500.
func (s *Server) dispatch(ctx context.Context, req *wire.Request) (res *wire.Response) {
	res = wire.NewResponse()
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("Panic while handling request",
				zap.Any("panic", r),
				zap.String("path", req.Path()),
				zap.Stack("stack"),
			)
			res = wire.NewResponse()
			errors.ErrInternalServer.Write(req, res)
		}
	}()

	if err := s.handler.Serve(ctx, req, res); err != nil {
		logging.FromContext(ctx).Error("Request failed",
			zap.String("path", req.Path()),
			zap.Error(err),
		)
		res = wire.NewResponse()
		errors.ErrInternalServer.Write(req, res)
	}
	return res
}

func (s *Server) write(ctx context.Context, conn net.Conn, res *wire.Response) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := res.WriteTo(conn); err != nil {
		logging.FromContext(ctx).Debug("Writing response failed", zap.Error(err))
	}
}

// Shutdown stops accepting and waits for in-flight connections until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("Server stopped gracefully")
		return nil
	case <-ctx.Done():
		logging.Warn("Server shutdown timed out", zap.Int64("active_connections", s.activeConns.Load()))
		return ctx.Err()
	}
}

// Addr returns the bound address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 {
	return s.activeConns.Load()
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
