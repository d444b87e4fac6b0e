// Package forge drives a miner on behalf of one user: it starts jobs with
// fresh seeds, turns finds into shares, hands them to a sink and reports
// what happened.
package forge

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/notify"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

// ErrNotRunning is returned by StopMining when no job is running
var ErrNotRunning = stderrors.New("forge: miner is not running")

// UpdateType identifies an Update
type UpdateType int

const (
	UpdateProgress UpdateType = iota
	UpdateFound
	UpdateSubmitted
	UpdateStopped
	UpdateFailed
)

// String returns the update name
func (t UpdateType) String() string {
	switch t {
	case UpdateProgress:
		return "progress"
	case UpdateFound:
		return "found"
	case UpdateSubmitted:
		return "submitted"
	case UpdateStopped:
		return "stopped"
	case UpdateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is what the controller tells its owner about a job
type Update struct {
	Type     UpdateType
	TokenID  string
	UserID   string
	Progress *miner.Progress
	Share    *share.Share

	// Set on UpdateSubmitted when the sink can count shares
	SharesFound int64
	Percent     int
	Completed   bool

	Err error
}

// SubmitError carries a share the sink would not take. The find itself is
// valid; the owner may resubmit it.
type SubmitError struct {
	Share *share.Share
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit share %s: %v", e.Share.ID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Config holds controller settings
type Config struct {
	Target           int64
	UpdateBuffer     int
	ProgressInterval time.Duration
	Retry            *retry.Config
	Progress         ProgressReporter
}

// DefaultConfig returns the settings used by minerd
func DefaultConfig() Config {
	return Config{
		Target:           share.DefaultTarget,
		UpdateBuffer:     64,
		ProgressInterval: time.Second,
		Retry:            retry.SubmitConfig(),
	}
}

// Controller runs one miner for one owner
type Controller struct {
	miner    *miner.Miner
	sink     Sink
	notifier notify.Notifier
	progress ProgressReporter
	config   Config
	logger   *log.Logger

	updates chan Update
	errs    chan error

	// ctx outlives individual jobs; submissions use it so a find is not
	// lost when the job's own context ends.
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewController creates a controller. A nil notifier is replaced by notify.Noop.
func NewController(m *miner.Miner, sink Sink, notifier notify.Notifier, cfg Config, logger *log.Logger) *Controller {
	defaults := DefaultConfig()
	if cfg.Target <= 0 {
		cfg.Target = defaults.Target
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaults.UpdateBuffer
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaults.ProgressInterval
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		miner:    m,
		sink:     sink,
		notifier: notifier,
		progress: cfg.Progress,
		config:   cfg,
		logger:   logger.WithComponent("forge"),
		updates:  make(chan Update, cfg.UpdateBuffer),
		errs:     make(chan error, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Updates delivers job updates. Progress updates are dropped when the reader
// lags; all others are delivered.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Errors delivers SubmitErrors and worker failures
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Running reports whether a job is in progress
func (c *Controller) Running() bool {
	return c.miner.State() == miner.StateRunning
}

// Difficulty returns the difficulty for the next job
func (c *Controller) Difficulty() int {
	return c.miner.Difficulty()
}

// SetDifficulty changes the difficulty for the next job
func (c *Controller) SetDifficulty(d int) error {
	return c.miner.SetDifficulty(d)
}

// StartMining starts a job with a fresh seed for tokenID. Cancelling ctx
// stops the job.
func (c *Controller) StartMining(ctx context.Context, tokenID, userID string) (miner.Job, error) {
	if c.ctx.Err() != nil {
		return miner.Job{}, errors.New(errors.ErrorTypeInternal, "start_mining", "controller closed")
	}

	job, err := c.miner.NewJob(miner.NewSeed(tokenID))
	if err != nil {
		return miner.Job{}, err
	}

	events, err := c.miner.Start(ctx, job)
	if err != nil {
		return miner.Job{}, err
	}

	c.logger.WithToken(tokenID, userID).WithJob(job.Seed, job.Difficulty).Info("mining started")

	c.wg.Add(1)
	go c.consume(job, tokenID, userID, events)
	return job, nil
}

// StopMining stops the running job and waits for the worker to exit
func (c *Controller) StopMining() error {
	if !c.Running() {
		return ErrNotRunning
	}
	c.miner.Stop()
	return nil
}

// Close stops mining, abandons pending submissions and waits for the
// controller's goroutines.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.miner.Stop()
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Controller) consume(job miner.Job, tokenID, userID string, events <-chan miner.Event) {
	defer c.wg.Done()

	logger := c.logger.WithToken(tokenID, userID)
	var lastReport time.Time

	for ev := range events {
		switch ev.Type {
		case miner.EventProgress:
			c.offer(Update{Type: UpdateProgress, TokenID: tokenID, UserID: userID, Progress: ev.Progress})

			if c.progress != nil && time.Since(lastReport) >= c.config.ProgressInterval {
				lastReport = time.Now()
				if err := c.progress.ReportProgress(c.ctx, tokenID, userID, ev.Progress); err != nil {
					logger.WithError(err).Warn("failed to report progress")
				}
			}

		case miner.EventFound:
			s := share.New(tokenID, userID, job, c.miner.Algo(), ev.Result)
			c.deliver(Update{Type: UpdateFound, TokenID: tokenID, UserID: userID, Share: s})
			c.haptic(notify.HapticSuccess)
			c.submit(logger, s)
			return

		case miner.EventStopped:
			logger.Info("mining stopped")
			c.deliver(Update{Type: UpdateStopped, TokenID: tokenID, UserID: userID})
			return

		case miner.EventFailed:
			c.fail(logger, tokenID, userID, ev.Err)
			return
		}
	}

	c.fail(logger, tokenID, userID,
		fmt.Errorf("%w: event stream closed without a terminal event", miner.ErrWorkerCrashed))
}

func (c *Controller) fail(logger *log.Logger, tokenID, userID string, cause error) {
	err := errors.Wrap(cause, errors.ErrorTypeMining, "mine", "worker failed")
	logger.WithError(err).Error("mining failed")
	c.deliver(Update{Type: UpdateFailed, TokenID: tokenID, UserID: userID, Err: err})
	c.haptic(notify.HapticError)
	c.report(err)
}

func (c *Controller) submit(logger *log.Logger, s *share.Share) {
	start := time.Now()

	recorder, recording := c.sink.(ShareRecorder)
	var before *share.Receipt
	if !recording {
		before = c.position(logger, s.TokenID)
	}

	receipt, err := retry.DoWithResult(c.ctx, c.config.Retry, func() (*share.Receipt, error) {
		if recording {
			return recorder.RecordFound(c.ctx, s)
		}
		return nil, c.sink.SubmitShare(c.ctx, s)
	})
	if err != nil {
		logger.WithError(err).Error("share submission failed", "share_id", s.ID)
		c.report(&SubmitError{Share: s, Err: err})
		return
	}
	logger.LogDuration("submit_share", time.Since(start).Nanoseconds())

	if !recording {
		receipt = c.position(logger, s.TokenID)
		if receipt != nil && before != nil {
			receipt.JustCompleted = !before.Completed() && receipt.Completed()
		}
	}

	u := Update{Type: UpdateSubmitted, TokenID: s.TokenID, UserID: s.UserID, Share: s}
	if receipt != nil && receipt.Found > 0 {
		u.SharesFound = receipt.Found
		u.Percent = receipt.Percent()
		u.Completed = receipt.Completed()
		logger.LogShareRecorded(s.ID, s.TokenID, receipt.Found, receipt.Target)
	}
	c.deliver(u)

	if receipt != nil && receipt.JustCompleted {
		logger.LogTokenCompleted(s.TokenID, receipt.Found)
		msg := fmt.Sprintf("Token %s reached %d shares", s.TokenID, receipt.Target)
		if err := c.notifier.Notify(c.ctx, "Token complete", msg); err != nil {
			logger.WithError(err).Warn("notification failed")
		}
	}
}

// position asks the sink where a token stands. A TokenTracker knows the
// token's own target; a plain Counter is measured against Config.Target.
// It returns nil when the sink can tell neither.
func (c *Controller) position(logger *log.Logger, tokenID string) *share.Receipt {
	switch sink := c.sink.(type) {
	case TokenTracker:
		found, target, err := sink.TokenProgress(c.ctx, tokenID)
		if err != nil {
			logger.WithError(err).Warn("failed to load token progress")
			return nil
		}
		return &share.Receipt{Found: found, Target: target}
	case Counter:
		n, err := sink.CountShares(c.ctx, tokenID)
		if err != nil {
			logger.WithError(err).Warn("failed to count shares")
			return nil
		}
		return &share.Receipt{Found: n, Target: c.config.Target}
	default:
		return nil
	}
}

func (c *Controller) haptic(kind notify.Haptic) {
	if err := c.notifier.Haptic(c.ctx, kind); err != nil {
		c.logger.WithError(err).Debug("haptic feedback failed")
	}
}

// offer drops the update if the reader is behind
func (c *Controller) offer(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}

// deliver waits for the reader unless the controller is closed
func (c *Controller) deliver(u Update) {
	select {
	case c.updates <- u:
	case <-c.ctx.Done():
	}
}

func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	case <-c.ctx.Done():
	}
}
