package miner

import "errors"

var (
	// ErrEmptySeed rejects a job without a seed
	ErrEmptySeed = errors.New("miner: seed must not be empty")
	// ErrInvalidDifficulty rejects a difficulty outside 0..MaxDifficulty
	ErrInvalidDifficulty = errors.New("miner: difficulty out of range")
	// ErrAlreadyRunning is returned by Start while a job is in progress
	ErrAlreadyRunning = errors.New("miner: a job is already running")
	// ErrWorkerCrashed reports a worker that terminated without Found or Stopped
	ErrWorkerCrashed = errors.New("miner: worker terminated unexpectedly")
	// ErrNonceSpaceExhausted reports a search that reached the largest nonce
	ErrNonceSpaceExhausted = errors.New("miner: nonce space exhausted")
	// ErrUnknownAlgo rejects an unsupported hash algorithm
	ErrUnknownAlgo = errors.New("miner: unknown hash algorithm")
	// ErrInvalidShare is returned by Verify for a hash that does not check out
	ErrInvalidShare = errors.New("miner: invalid share")
)
