// Package control implements the minerd control protocol: line-delimited
// JSON-RPC over TCP, one miner per connection.
package control

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/bardlex/tokenforge/internal/forge"
	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/notify"
	"github.com/bardlex/tokenforge/internal/share"
)

// Message represents a JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error codes
const (
	ErrorOther          = 20
	ErrorAlreadyRunning = 30
	ErrorNotRunning     = 31
	ErrorRateLimited    = 32
	ErrorUnknownToken   = 33
	ErrorTokenCompleted = 34
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Client requests
const (
	MethodStart         = "miner.start"
	MethodStop          = "miner.stop"
	MethodSetDifficulty = "miner.set_difficulty"
	MethodStatus        = "miner.status"
	MethodTokenProgress = "token.progress"
	MethodTokenStats    = "token.stats"
)

// Server notifications
const (
	NotifyProgress  = "miner.progress"
	NotifyFound     = "miner.found"
	NotifySubmitted = "miner.submitted"
	NotifyStopped   = "miner.stopped"
	NotifyError     = "miner.error"
	NotifyHaptic    = "client.haptic"
	NotifyPopup     = "client.notify"
)

// StartRequest represents miner.start parameters
type StartRequest struct {
	TokenID string
	UserID  string
}

// StartResponse is the result of miner.start
type StartResponse struct {
	TokenID    string `json:"token_id"`
	Seed       string `json:"seed"`
	Difficulty int    `json:"difficulty"`
	StartNonce uint64 `json:"start_nonce"`
}

// StatusResponse is the result of miner.status
type StatusResponse struct {
	Running    bool            `json:"running"`
	Difficulty int             `json:"difficulty"`
	TokenID    string          `json:"token_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Progress   *ProgressParams `json:"progress,omitempty"`
}

// TokenProgressResponse is the result of token.progress
type TokenProgressResponse struct {
	TokenID   string `json:"token_id"`
	Shares    int64  `json:"shares"`
	Target    int64  `json:"target"`
	Percent   int    `json:"percent"`
	Completed bool   `json:"completed"`
}

// ProgressParams represents miner.progress parameters
type ProgressParams struct {
	HashesComputed uint64  `json:"hashes_computed"`
	ElapsedMillis  int64   `json:"elapsed_ms"`
	HashRate       float64 `json:"hash_rate"`
	Nonce          uint64  `json:"nonce"`
}

// FoundParams represents miner.found parameters
type FoundParams struct {
	ShareID        string `json:"share_id"`
	TokenID        string `json:"token_id"`
	Seed           string `json:"seed"`
	Nonce          uint64 `json:"nonce"`
	Hash           string `json:"hash"`
	Difficulty     int    `json:"difficulty"`
	HashesComputed uint64 `json:"hashes_computed"`
	ElapsedMillis  int64  `json:"elapsed_ms"`
}

// SubmittedParams represents miner.submitted parameters
type SubmittedParams struct {
	ShareID   string `json:"share_id"`
	TokenID   string `json:"token_id"`
	Shares    int64  `json:"shares,omitempty"`
	Percent   int    `json:"percent,omitempty"`
	Completed bool   `json:"completed"`
}

// ErrorParams represents miner.error parameters. ShareID is set when a found
// share could not be submitted.
type ErrorParams struct {
	Message string `json:"message"`
	ShareID string `json:"share_id,omitempty"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseStartRequest parses miner.start parameters
func ParseStartRequest(params []any) (*StartRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	tokenID, ok := params[0].(string)
	if !ok || tokenID == "" {
		return nil, fmt.Errorf("token_id must be a non-empty string")
	}

	userID, ok := params[1].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("user_id must be a non-empty string")
	}

	return &StartRequest{TokenID: tokenID, UserID: userID}, nil
}

// ParseSetDifficultyRequest parses miner.set_difficulty parameters
func ParseSetDifficultyRequest(params []any) (int, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}

	// JSON numbers decode as float64
	d, ok := params[0].(float64)
	if !ok || d != math.Trunc(d) {
		return 0, fmt.Errorf("difficulty must be an integer")
	}
	if d < 0 || d > miner.MaxDifficulty {
		return 0, fmt.Errorf("difficulty must be between 0 and %d", miner.MaxDifficulty)
	}
	return int(d), nil
}

// ParseTokenProgressRequest parses token.progress parameters
func ParseTokenProgressRequest(params []any) (string, error) {
	if len(params) < 1 {
		return "", fmt.Errorf("insufficient parameters")
	}
	tokenID, ok := params[0].(string)
	if !ok || tokenID == "" {
		return "", fmt.Errorf("token_id must be a non-empty string")
	}
	return tokenID, nil
}

// TokenStatsRequest represents token.stats parameters. UserID is optional
// and adds the user's hashrate history.
type TokenStatsRequest struct {
	TokenID string
	UserID  string
}

// ParseTokenStatsRequest parses token.stats parameters
func ParseTokenStatsRequest(params []any) (*TokenStatsRequest, error) {
	tokenID, err := ParseTokenProgressRequest(params)
	if err != nil {
		return nil, err
	}
	req := &TokenStatsRequest{TokenID: tokenID}
	if len(params) > 1 {
		userID, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("user_id must be a string")
		}
		req.UserID = userID
	}
	return req, nil
}

func progressParams(p *miner.Progress) *ProgressParams {
	if p == nil {
		return nil
	}
	return &ProgressParams{
		HashesComputed: p.HashesComputed,
		ElapsedMillis:  p.ElapsedMillis,
		HashRate:       p.HashRate,
		Nonce:          p.Nonce,
	}
}

func foundParams(s *share.Share) *FoundParams {
	return &FoundParams{
		ShareID:        s.ID,
		TokenID:        s.TokenID,
		Seed:           s.Seed,
		Nonce:          s.Nonce,
		Hash:           s.Hash,
		Difficulty:     s.Difficulty,
		HashesComputed: s.HashesComputed,
		ElapsedMillis:  s.ElapsedMillis,
	}
}

// notification maps a controller update onto the wire
func notification(u forge.Update) *Message {
	switch u.Type {
	case forge.UpdateProgress:
		return NewNotification(NotifyProgress, []any{progressParams(u.Progress)})
	case forge.UpdateFound:
		return NewNotification(NotifyFound, []any{foundParams(u.Share)})
	case forge.UpdateSubmitted:
		return NewNotification(NotifySubmitted, []any{&SubmittedParams{
			ShareID:   u.Share.ID,
			TokenID:   u.TokenID,
			Shares:    u.SharesFound,
			Percent:   u.Percent,
			Completed: u.Completed,
		}})
	case forge.UpdateStopped:
		return NewNotification(NotifyStopped, []any{u.TokenID})
	case forge.UpdateFailed:
		msg := "mining failed"
		if u.Err != nil {
			msg = u.Err.Error()
		}
		return NewNotification(NotifyError, []any{&ErrorParams{Message: msg}})
	default:
		return nil
	}
}

// hapticParams represents client.haptic parameters
type hapticParams struct {
	Kind notify.Haptic `json:"kind"`
}

// popupParams represents client.notify parameters
type popupParams struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}
