package messaging

import (
	"time"

	"github.com/bardlex/tokenforge/internal/share"
)

// Share result statuses
const (
	StatusValid     = "valid"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
)

// ShareMessage represents a found share travelling from minerd to shareproc
type ShareMessage struct {
	ShareID        string    `json:"share_id"`
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
	SessionID      string    `json:"session_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// NewShareMessage wraps s for publication
func NewShareMessage(s *share.Share, sessionID string) *ShareMessage {
	return &ShareMessage{
		ShareID:        s.ID,
		TokenID:        s.TokenID,
		UserID:         s.UserID,
		Seed:           s.Seed,
		Nonce:          s.Nonce,
		Hash:           s.Hash,
		Difficulty:     s.Difficulty,
		HashesComputed: s.HashesComputed,
		ElapsedMillis:  s.ElapsedMillis,
		Algo:           s.Algo,
		FoundAt:        s.FoundAt,
		SessionID:      sessionID,
		SubmittedAt:    time.Now().UTC(),
	}
}

// Share converts the message back into a share
func (m *ShareMessage) Share() *share.Share {
	return &share.Share{
		ID:             m.ShareID,
		TokenID:        m.TokenID,
		UserID:         m.UserID,
		Seed:           m.Seed,
		Nonce:          m.Nonce,
		Hash:           m.Hash,
		Difficulty:     m.Difficulty,
		HashesComputed: m.HashesComputed,
		ElapsedMillis:  m.ElapsedMillis,
		Algo:           m.Algo,
		FoundAt:        m.FoundAt,
	}
}

// ShareResultMessage reports what shareproc did with a share
type ShareResultMessage struct {
	ShareID          string    `json:"share_id"`
	TokenID          string    `json:"token_id"`
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"` // "valid", "invalid", "duplicate"
	ErrorMessage     string    `json:"error_message,omitempty"`
	SharesFound      int64     `json:"shares_found"`
	Target           int64     `json:"target"`
	Percent          int       `json:"percent"`
	ProcessedAt      time.Time `json:"processed_at"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// TokenCompletedMessage announces a token reaching its share target
type TokenCompletedMessage struct {
	TokenID     string    `json:"token_id"`
	Shares      int64     `json:"shares"`
	Target      int64     `json:"target"`
	LastShareID string    `json:"last_share_id"`
	CompletedAt time.Time `json:"completed_at"`
}
