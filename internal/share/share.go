// Package share defines the record of a solved proof of work and the rules
// for accepting it against a token.
package share

import (
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/tokenforge/internal/miner"
)

// Share is a found proof of work, attributed to a token and a user
type Share struct {
	ID             string    `json:"id"`
	TokenID        string    `json:"token_id"`
	UserID         string    `json:"user_id"`
	Seed           string    `json:"seed"`
	Nonce          uint64    `json:"nonce"`
	Hash           string    `json:"hash"`
	Difficulty     int       `json:"difficulty"`
	HashesComputed uint64    `json:"hashes_computed"`
	ElapsedMillis  int64     `json:"elapsed_ms"`
	Algo           string    `json:"algo"`
	FoundAt        time.Time `json:"found_at"`
}

// New builds a share from a miner result
func New(tokenID, userID string, job miner.Job, algo miner.Algo, res *miner.Result) *Share {
	return &Share{
		ID:             uuid.NewString(),
		TokenID:        tokenID,
		UserID:         userID,
		Seed:           job.Seed,
		Nonce:          res.Nonce,
		Hash:           res.Hash,
		Difficulty:     job.Difficulty,
		HashesComputed: res.HashesComputed,
		ElapsedMillis:  res.ElapsedMillis,
		Algo:           string(algo),
		FoundAt:        time.Now().UTC(),
	}
}

// Verify recomputes the hash from seed and nonce
func (s *Share) Verify() error {
	return miner.Verify(miner.Algo(s.Algo), s.Seed, s.Nonce, s.Difficulty, s.Hash)
}

// HashRate is the average hashes per second of the search that found s
func (s *Share) HashRate() float64 {
	if s.ElapsedMillis <= 0 {
		return 0
	}
	return float64(s.HashesComputed) / (float64(s.ElapsedMillis) / 1000)
}
