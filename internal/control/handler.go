package control

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/tokenforge/internal/database"
	"github.com/bardlex/tokenforge/internal/forge"
	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
)

// RateChecker limits how often a key may perform an action within a window.
// The Redis client implements it.
type RateChecker interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// StatsSource reports what is known about a token. The database manager
// implements it.
type StatsSource interface {
	GetTokenStats(ctx context.Context, tokenID, userID string) (*database.TokenStats, error)
}

// Backend is what every session's handler is built from
type Backend struct {
	Miner miner.Config
	Forge forge.Config

	// NewSink returns the sink for one session's shares
	NewSink func(sessionID string) forge.Sink

	// Optional
	Progress        forge.ProgressReporter
	Tracker         forge.TokenTracker
	Stats           StatsSource
	Limiter         RateChecker
	StartsPerMinute int64
}

// Handler serves the requests of one session. It owns the session's miner.
type Handler struct {
	session    *Session
	controller *forge.Controller
	backend    *Backend
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tokenID  string
	userID   string
	progress *miner.Progress

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHandler creates the handler for session and starts forwarding the
// controller's updates to it.
func NewHandler(session *Session, backend *Backend, logger *log.Logger) (*Handler, error) {
	logger = logger.WithComponent("handler").WithFields("session_id", session.ID())

	m, err := miner.New(backend.Miner, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_handler", "invalid miner configuration")
	}

	fcfg := backend.Forge
	fcfg.Progress = backend.Progress

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		session:    session,
		controller: forge.NewController(m, backend.NewSink(session.ID()), session, fcfg, logger),
		backend:    backend,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	h.wg.Add(1)
	go h.pump()
	return h, nil
}

// Close stops the miner and waits for pending submissions to be abandoned
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.controller.Close()
		close(h.done)
		h.wg.Wait()
	})
}

// HandleMessage implements MessageHandler
func (h *Handler) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if msg.IsRequest() {
		return h.handleRequest(ctx, session, msg)
	}

	h.logger.Debug("ignoring non-request message", "method", msg.Method)
	return nil
}

func (h *Handler) handleRequest(ctx context.Context, session *Session, msg *Message) error {
	switch msg.Method {
	case MethodStart:
		return h.handleStart(ctx, session, msg)
	case MethodStop:
		return h.handleStop(session, msg)
	case MethodSetDifficulty:
		return h.handleSetDifficulty(session, msg)
	case MethodStatus:
		return h.handleStatus(session, msg)
	case MethodTokenProgress:
		return h.handleTokenProgress(ctx, session, msg)
	case MethodTokenStats:
		return h.handleTokenStats(ctx, session, msg)
	default:
		h.logger.Warn("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

func (h *Handler) handleStart(ctx context.Context, session *Session, msg *Message) error {
	req, err := ParseStartRequest(msg.Params)
	if err != nil {
		h.logger.WithError(err).Warn("invalid start request")
		return session.SendError(msg.ID, ErrorInvalidParams, err.Error())
	}
	logger := h.logger.WithToken(req.TokenID, req.UserID)

	if h.controller.Running() {
		return session.SendError(msg.ID, ErrorAlreadyRunning, "Already mining")
	}

	if lim := h.backend.Limiter; lim != nil && h.backend.StartsPerMinute > 0 {
		allowed, err := lim.CheckRateLimit(ctx, "start:"+req.UserID, h.backend.StartsPerMinute, time.Minute)
		if err != nil {
			logger.WithError(err).Warn("rate limit check failed")
		} else if !allowed {
			return session.SendError(msg.ID, ErrorRateLimited, "Too many starts")
		}
	}

	if tracker := h.backend.Tracker; tracker != nil {
		found, target, err := tracker.TokenProgress(ctx, req.TokenID)
		switch {
		case errors.IsType(err, errors.ErrorTypeValidation):
			return session.SendError(msg.ID, ErrorUnknownToken, "Unknown token")
		case err != nil:
			logger.WithError(err).Warn("token progress unavailable")
		case share.Complete(found, target):
			return session.SendError(msg.ID, ErrorTokenCompleted, "Token already completed")
		}
	}

	h.mu.Lock()
	h.tokenID, h.userID, h.progress = req.TokenID, req.UserID, nil
	h.mu.Unlock()

	job, err := h.controller.StartMining(h.ctx, req.TokenID, req.UserID)
	if err != nil {
		if stderrors.Is(err, miner.ErrAlreadyRunning) {
			return session.SendError(msg.ID, ErrorAlreadyRunning, "Already mining")
		}
		logger.WithError(err).Error("failed to start mining")
		return session.SendError(msg.ID, ErrorOther, "Failed to start mining")
	}

	return session.SendResponse(msg.ID, &StartResponse{
		TokenID:    req.TokenID,
		Seed:       job.Seed,
		Difficulty: job.Difficulty,
		StartNonce: job.StartNonce,
	})
}

func (h *Handler) handleStop(session *Session, msg *Message) error {
	if err := h.controller.StopMining(); err != nil {
		if stderrors.Is(err, forge.ErrNotRunning) {
			return session.SendError(msg.ID, ErrorNotRunning, "Not mining")
		}
		return session.SendError(msg.ID, ErrorOther, err.Error())
	}
	return session.SendResponse(msg.ID, true)
}

func (h *Handler) handleSetDifficulty(session *Session, msg *Message) error {
	d, err := ParseSetDifficultyRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, err.Error())
	}
	if err := h.controller.SetDifficulty(d); err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, err.Error())
	}
	h.logger.Info("difficulty changed", "difficulty", d)
	return session.SendResponse(msg.ID, true)
}

func (h *Handler) handleStatus(session *Session, msg *Message) error {
	h.mu.Lock()
	status := &StatusResponse{
		Running:    h.controller.Running(),
		Difficulty: h.controller.Difficulty(),
		TokenID:    h.tokenID,
		UserID:     h.userID,
		Progress:   progressParams(h.progress),
	}
	h.mu.Unlock()
	return session.SendResponse(msg.ID, status)
}

func (h *Handler) handleTokenProgress(ctx context.Context, session *Session, msg *Message) error {
	tokenID, err := ParseTokenProgressRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, err.Error())
	}
	if h.backend.Tracker == nil {
		return session.SendError(msg.ID, ErrorOther, "Token progress unavailable")
	}

	found, target, err := h.backend.Tracker.TokenProgress(ctx, tokenID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) {
			return session.SendError(msg.ID, ErrorUnknownToken, "Unknown token")
		}
		h.logger.WithError(err).Error("token progress failed", "token_id", tokenID)
		return session.SendError(msg.ID, ErrorOther, "Token progress unavailable")
	}

	return session.SendResponse(msg.ID, &TokenProgressResponse{
		TokenID:   tokenID,
		Shares:    found,
		Target:    target,
		Percent:   share.Progress(found, target),
		Completed: share.Complete(found, target),
	})
}

func (h *Handler) handleTokenStats(ctx context.Context, session *Session, msg *Message) error {
	req, err := ParseTokenStatsRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, err.Error())
	}
	if h.backend.Stats == nil {
		return session.SendError(msg.ID, ErrorOther, "Token stats unavailable")
	}

	stats, err := h.backend.Stats.GetTokenStats(ctx, req.TokenID, req.UserID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) {
			return session.SendError(msg.ID, ErrorUnknownToken, "Unknown token")
		}
		h.logger.WithError(err).Error("token stats failed", "token_id", req.TokenID)
		return session.SendError(msg.ID, ErrorOther, "Token stats unavailable")
	}
	return session.SendResponse(msg.ID, stats)
}

// pump forwards controller output to the client. Progress is dropped when
// the client lags; everything else waits for room.
func (h *Handler) pump() {
	defer h.wg.Done()

	for {
		select {
		case u := <-h.controller.Updates():
			if u.Type == forge.UpdateProgress {
				h.mu.Lock()
				h.progress = u.Progress
				h.mu.Unlock()
			}
			msg := notification(u)
			if msg == nil {
				continue
			}
			if u.Type == forge.UpdateProgress {
				h.session.offer(msg)
				continue
			}
			h.send(msg)

		case err := <-h.controller.Errors():
			var se *forge.SubmitError
			if stderrors.As(err, &se) {
				h.send(NewNotification(NotifyError, []any{&ErrorParams{
					Message: se.Err.Error(),
					ShareID: se.Share.ID,
				}}))
			}

		case <-h.done:
			return
		}
	}
}

func (h *Handler) send(msg *Message) {
	if err := h.session.deliver(h.ctx, msg); err != nil {
		h.logger.WithError(err).Debug("notification dropped", "method", msg.Method)
	}
}
