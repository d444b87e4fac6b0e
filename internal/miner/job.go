package miner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxDifficulty is the length of a SHA-256 hex digest
const MaxDifficulty = 64

// Job is one proof-of-work problem. Seeds must not be reused across
// attempts: two users mining the same seed would find the same nonce.
type Job struct {
	Seed       string
	Difficulty int
	StartNonce uint64
}

// NewJob builds a validated job starting from nonce 0
func NewJob(seed string, difficulty int) (Job, error) {
	job := Job{Seed: seed, Difficulty: difficulty}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate checks the seed and difficulty
func (j Job) Validate() error {
	if j.Seed == "" {
		return ErrEmptySeed
	}
	return validateDifficulty(j.Difficulty)
}

// TargetPrefix is the hex prefix a solution must start with
func (j Job) TargetPrefix() string {
	return strings.Repeat("0", j.Difficulty)
}

func validateDifficulty(d int) error {
	if d < 0 || d > MaxDifficulty {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidDifficulty, d, MaxDifficulty)
	}
	return nil
}

// NewSeed returns a fresh seed for mining tokenID
func NewSeed(tokenID string) string {
	if tokenID == "" {
		tokenID = "general"
	}
	return fmt.Sprintf("tokenforge_%s_%s", tokenID, uuid.NewString())
}
