package control

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/tokenforge/pkg/log"
)

// ServerConfig holds listener settings
type ServerConfig struct {
	Addr           string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
}

// Server accepts control connections and gives each its own miner
type Server struct {
	cfg     ServerConfig
	backend *Backend
	logger  *log.Logger

	listener net.Listener
	sessions map[string]*Session
	// closed is set by Shutdown; no connection is tracked after it
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewServer creates a control server
func NewServer(cfg ServerConfig, backend *Backend, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{
		cfg:      cfg,
		backend:  backend,
		logger:   logger.WithComponent("server"),
		sessions: make(map[string]*Session),
	}
}

// Start listens on the configured address and serves until ctx ends
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx ends or the listener is
// closed. It returns at once if the server has been shut down.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if err := conn.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	sessionID := uuid.NewString()
	session := NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.MaxMessageSize)

	handler, err := NewHandler(session, s.backend, s.logger)
	if err != nil {
		s.logger.WithError(err).Error("failed to create handler")
		return
	}
	defer handler.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, handler); err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("session ended with error", "session_id", sessionID)
	}
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Addr returns the listening address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener and every session, then waits for their
// miners to stop
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
