// Package miner runs a cancellable hashcash search on a worker goroutine.
//
// A job hashes seed||decimal(nonce) for increasing nonces until the hex
// digest starts with Difficulty zeros. The worker reports Progress after
// every batch, yields, and polls its control channel, so Stop takes effect
// within one batch.
package miner

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/bardlex/tokenforge/pkg/log"
)

// State is the lifecycle state of a Miner
type State int32

const (
	// StateIdle means no job is running
	StateIdle State = iota
	// StateRunning means a worker is searching
	StateRunning
)

// String returns the state name
func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// reservedSlots keeps room in the events channel for the final progress
// snapshot and the terminal event.
const reservedSlots = 2

const minEventBuffer = reservedSlots + 2

// Config holds miner tuning
type Config struct {
	Difficulty  int
	BatchSize   int
	EventBuffer int
	Algo        Algo
}

// DefaultConfig returns the defaults used by minerd
func DefaultConfig() Config {
	return Config{
		Difficulty:  4,
		BatchSize:   1000,
		EventBuffer: 64,
		Algo:        AlgoSHA256,
	}
}

type controlMsg int

const controlStop controlMsg = iota

// run is the state shared between Miner and one worker goroutine
type run struct {
	job     Job
	control chan controlMsg
	events  chan Event
	done    chan struct{}

	// stopRequested is guarded by Miner.mu
	stopRequested bool
}

// Miner owns at most one running job
type Miner struct {
	hasher    Hasher
	algo      Algo
	batchSize uint64
	bufSize   int
	logger    *log.Logger

	mu         sync.Mutex
	difficulty int
	current    *run
}

// New creates an idle miner
func New(cfg Config, logger *log.Logger) (*Miner, error) {
	if err := validateDifficulty(cfg.Difficulty); err != nil {
		return nil, err
	}
	hasher, err := HasherFor(cfg.Algo)
	if err != nil {
		return nil, err
	}
	if cfg.Algo == "" {
		cfg.Algo = AlgoSHA256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.EventBuffer < minEventBuffer {
		cfg.EventBuffer = minEventBuffer
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Miner{
		hasher:     hasher,
		algo:       cfg.Algo,
		batchSize:  uint64(cfg.BatchSize),
		bufSize:    cfg.EventBuffer,
		logger:     logger.WithComponent("miner"),
		difficulty: cfg.Difficulty,
	}, nil
}

// Algo returns the hash algorithm used by this miner
func (m *Miner) Algo() Algo {
	return m.algo
}

// SetDifficulty changes the difficulty for jobs created after the call.
// A running job keeps its own difficulty.
func (m *Miner) SetDifficulty(d int) error {
	if err := validateDifficulty(d); err != nil {
		return err
	}
	m.mu.Lock()
	m.difficulty = d
	m.mu.Unlock()
	return nil
}

// Difficulty returns the difficulty for the next job
func (m *Miner) Difficulty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.difficulty
}

// NewJob builds a job for seed at the current difficulty
func (m *Miner) NewJob(seed string) (Job, error) {
	return NewJob(seed, m.Difficulty())
}

// State reports whether a job is running
func (m *Miner) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return StateRunning
	}
	return StateIdle
}

// Start launches a worker for job. The returned channel delivers Progress
// events followed by exactly one terminal event, then is closed. Cancelling
// ctx has the same effect as Stop.
func (m *Miner) Start(ctx context.Context, job Job) (<-chan Event, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r := &run{
		job:     job,
		control: make(chan controlMsg, 1),
		events:  make(chan Event, m.bufSize),
		done:    make(chan struct{}),
	}
	m.current = r
	m.mu.Unlock()

	m.logger.WithJob(job.Seed, job.Difficulty).Debug("job started", "start_nonce", job.StartNonce)

	go m.work(ctx, r)
	return r.events, nil
}

// Stop cancels the running job and waits for its worker to exit. Once Stop
// has been called no Found event is delivered for that job. A Found queued
// before the call stays queued: Stop then finds the miner idle and returns at
// once. Stop is a no-op when idle.
func (m *Miner) Stop() {
	m.mu.Lock()
	r := m.current
	if r == nil {
		m.mu.Unlock()
		return
	}
	r.stopRequested = true
	m.mu.Unlock()

	select {
	case r.control <- controlStop:
	default:
	}
	<-r.done
}

// finish detaches r from the miner and reports whether a stop was requested
// first. It runs before the terminal event is sent so that a consumer
// reacting to that event can Start again.
func (m *Miner) finish(r *run) (stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == r {
		m.current = nil
	}
	return r.stopRequested
}

// found emits the Found event and detaches r in one step under m.mu. A Stop
// that takes the lock first suppresses the find; a later Stop sees an idle
// miner and the Found is already queued. The send cannot block because the
// last slot is reserved for the terminal event.
func (m *Miner) found(r *run, res *Result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == r {
		m.current = nil
	}
	if r.stopRequested {
		return false
	}
	r.events <- Event{Type: EventFound, Result: res}
	return true
}

// offer sends a progress event unless that would eat into the reserved
// slots. Only the worker sends, so the length check cannot go stale upward.
func (r *run) offer(p *Progress, reserve int) {
	if len(r.events) < cap(r.events)-reserve {
		r.events <- Event{Type: EventProgress, Progress: p}
	}
}

func (m *Miner) work(ctx context.Context, r *run) {
	defer close(r.done)
	defer close(r.events)
	defer func() {
		if p := recover(); p != nil {
			m.finish(r)
			err := fmt.Errorf("%w: %v", ErrWorkerCrashed, p)
			m.logger.WithError(err).Error("worker panicked")
			r.events <- Event{Type: EventFailed, Err: err}
		}
	}()

	job := r.job
	buf := make([]byte, 0, len(job.Seed)+20)
	buf = append(buf, job.Seed...)
	seedLen := len(job.Seed)

	start := time.Now()
	nonce := job.StartNonce
	var hashes uint64

	for {
		for i := uint64(0); i < m.batchSize; i++ {
			sum := m.hasher(appendCandidate(buf[:seedLen], nonce))
			hashes++

			if meetsDifficulty(&sum, job.Difficulty) {
				res := &Result{
					Hash:           digestHex(&sum),
					Nonce:          nonce,
					HashesComputed: hashes,
					ElapsedMillis:  time.Since(start).Milliseconds(),
				}
				if !m.found(r, res) {
					m.stopped(r, newProgress(hashes, time.Since(start), nonce))
					return
				}
				m.logger.WithJob(job.Seed, job.Difficulty).
					LogShareFound(res.Hash, res.Nonce, res.HashesComputed, res.ElapsedMillis)
				return
			}

			if nonce == math.MaxUint64 {
				m.finish(r)
				r.offer(newProgress(hashes, time.Since(start), nonce), 1)
				r.events <- Event{Type: EventFailed, Err: ErrNonceSpaceExhausted}
				return
			}
			nonce++
		}

		p := newProgress(hashes, time.Since(start), nonce)
		r.offer(p, reservedSlots)
		m.logger.LogProgress(p.HashesComputed, p.ElapsedMillis, p.HashRate, p.Nonce)

		runtime.Gosched()

		select {
		case <-r.control:
			m.finish(r)
			m.stopped(r, newProgress(hashes, time.Since(start), nonce))
			return
		case <-ctx.Done():
			m.finish(r)
			m.stopped(r, newProgress(hashes, time.Since(start), nonce))
			return
		default:
		}
	}
}

func (m *Miner) stopped(r *run, last *Progress) {
	r.offer(last, 1)
	m.logger.WithJob(r.job.Seed, r.job.Difficulty).Debug("job stopped", "hashes", last.HashesComputed)
	r.events <- Event{Type: EventStopped}
}
