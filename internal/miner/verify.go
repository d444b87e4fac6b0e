package miner

import (
	"fmt"
	"strings"
)

// Verify recomputes H(seed || decimal(nonce)) and checks that it equals hash
// and meets difficulty. The comparison ignores hex case.
func Verify(algo Algo, seed string, nonce uint64, difficulty int, hash string) error {
	if seed == "" {
		return ErrEmptySeed
	}
	if err := validateDifficulty(difficulty); err != nil {
		return err
	}

	hasher, err := HasherFor(algo)
	if err != nil {
		return err
	}
	sum := hasher(appendCandidate([]byte(seed), nonce))
	computed := digestHex(&sum)

	if !strings.EqualFold(computed, hash) {
		return fmt.Errorf("%w: hash mismatch for nonce %d", ErrInvalidShare, nonce)
	}
	if !meetsDifficulty(&sum, difficulty) {
		return fmt.Errorf("%w: hash does not meet difficulty %d", ErrInvalidShare, difficulty)
	}
	return nil
}
