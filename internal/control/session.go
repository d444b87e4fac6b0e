package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/tokenforge/internal/notify"
	"github.com/bardlex/tokenforge/pkg/log"
)

const outboundBuffer = 100

// Session represents one control connection
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	// Connection management
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	mu sync.Mutex
}

// NewSession creates a new control session
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration, maxMessageSize int) *Session {
	if maxMessageSize <= 0 {
		maxMessageSize = 4096
	}
	return &Session{
		id:             id,
		conn:           conn,
		logger:         logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
		outbound:       make(chan []byte, outboundBuffer),
		done:           make(chan struct{}),
	}
}

// Start serves the session until the client disconnects or ctx ends
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := getReadBuffer()
	defer putReadBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(*buf, s.maxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set read deadline")
				return err
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if s.closed() {
					return nil
				}
				s.logger.WithError(err).Warn("read failed")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogControlMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.logger.WithError(err).Error("failed to set write deadline")
					s.Close()
					return
				}
			}

			if _, err := s.conn.Write(append(data, '\n')); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}

			s.logger.LogControlMessage("sent", string(data))
		}
	}
}

// SendMessage queues a message, failing if the outbound queue is full
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// offer queues a message only while the outbound queue is at most half full,
// leaving room for responses
func (s *Session) offer(msg *Message) bool {
	if len(s.outbound) >= cap(s.outbound)/2 {
		return false
	}
	return s.SendMessage(msg) == nil
}

// deliver queues a message, waiting for room until the session closes
func (s *Session) deliver(ctx context.Context, msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Haptic implements notify.Notifier by forwarding the pulse to the client
func (s *Session) Haptic(ctx context.Context, kind notify.Haptic) error {
	return s.deliver(ctx, NewNotification(NotifyHaptic, []any{&hapticParams{Kind: kind}}))
}

// Notify implements notify.Notifier by forwarding a popup to the client
func (s *Session) Notify(ctx context.Context, title, message string) error {
	return s.deliver(ctx, NewNotification(NotifyPopup, []any{&popupParams{
		Title:   title,
		Message: message,
		SentAt:  time.Now().UTC(),
	}}))
}

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	}
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// MessageHandler handles requests arriving on a session
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
