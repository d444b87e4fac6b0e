package postgres

import (
	"time"
)

// Token statuses
const (
	TokenStatusMining    = "mining"
	TokenStatusCompleted = "completed"
)

// Token is a token being mined by its community
type Token struct {
	ID           string     `db:"id"`
	Name         string     `db:"name"`
	Symbol       string     `db:"symbol"`
	Status       string     `db:"status"`
	MinedShares  int64      `db:"mined_shares"`
	TargetShares int64      `db:"target_shares"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// Share is a recorded proof of work
type Share struct {
	ID             string    `db:"id"`
	TokenID        string    `db:"token_id"`
	UserID         string    `db:"user_id"`
	Seed           string    `db:"seed"`
	Nonce          uint64    `db:"nonce"`
	Hash           string    `db:"hash"`
	Difficulty     int       `db:"difficulty"`
	HashesComputed uint64    `db:"hashes_computed"`
	ElapsedMillis  int64     `db:"elapsed_ms"`
	Algo           string    `db:"algo"`
	IsValid        bool      `db:"is_valid"`
	FoundAt        time.Time `db:"found_at"`
	CreatedAt      time.Time `db:"created_at"`
}
