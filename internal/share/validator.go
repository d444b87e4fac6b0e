package share

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validator checks shares submitted by miners before they are recorded
type Validator struct {
	minDifficulty int
	maxDifficulty int
	maxTimeSkew   time.Duration
	now           func() time.Time
}

// NewValidator creates a validator accepting difficulties in [minDiff, maxDiff]
func NewValidator(minDiff, maxDiff int, maxTimeSkew time.Duration) *Validator {
	return &Validator{
		minDifficulty: minDiff,
		maxDifficulty: maxDiff,
		maxTimeSkew:   maxTimeSkew,
		now:           time.Now,
	}
}

// Validate performs field, time, difficulty and proof-of-work checks
func (v *Validator) Validate(s *Share) error {
	if err := v.validateFields(s); err != nil {
		return fmt.Errorf("basic validation failed: %w", err)
	}

	if err := v.validateTime(s); err != nil {
		return fmt.Errorf("time validation failed: %w", err)
	}

	if err := v.validateDifficulty(s); err != nil {
		return fmt.Errorf("difficulty validation failed: %w", err)
	}

	if err := s.Verify(); err != nil {
		return fmt.Errorf("proof of work validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateFields(s *Share) error {
	if s == nil {
		return fmt.Errorf("share is nil")
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return fmt.Errorf("share ID is not a uuid: %w", err)
	}
	if s.TokenID == "" {
		return fmt.Errorf("token ID is required")
	}
	if s.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if s.Seed == "" {
		return fmt.Errorf("seed is required")
	}
	if len(s.Hash) != 64 {
		return fmt.Errorf("hash must be 64 hex characters, got %d", len(s.Hash))
	}
	return nil
}

func (v *Validator) validateTime(s *Share) error {
	if s.FoundAt.IsZero() {
		return fmt.Errorf("found_at is required")
	}
	if s.FoundAt.After(v.now().Add(v.maxTimeSkew)) {
		return fmt.Errorf("share time too far in future")
	}
	return nil
}

func (v *Validator) validateDifficulty(s *Share) error {
	if s.Difficulty < v.minDifficulty {
		return fmt.Errorf("difficulty too low: %d < %d", s.Difficulty, v.minDifficulty)
	}
	if s.Difficulty > v.maxDifficulty {
		return fmt.Errorf("difficulty too high: %d > %d", s.Difficulty, v.maxDifficulty)
	}
	return nil
}
