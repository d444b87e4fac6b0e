package miner

import "time"

// EventType identifies what an Event carries
type EventType int

const (
	// EventProgress carries a Progress snapshot
	EventProgress EventType = iota
	// EventFound carries the Result; terminal
	EventFound
	// EventStopped reports cancellation; terminal
	EventStopped
	// EventFailed carries Err; terminal
	EventFailed
)

// String returns the wire name of the event type
func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventFound:
		return "found"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a throughput snapshot of a running job
type Progress struct {
	HashesComputed uint64  `json:"hashes_computed"`
	ElapsedMillis  int64   `json:"elapsed_ms"`
	HashRate       float64 `json:"hash_rate"`
	Nonce          uint64  `json:"nonce"`
}

// Result is the solution of a job
type Result struct {
	Hash           string `json:"hash"`
	Nonce          uint64 `json:"nonce"`
	HashesComputed uint64 `json:"hashes_computed"`
	ElapsedMillis  int64  `json:"elapsed_ms"`
}

// Event is sent on the channel returned by Miner.Start
type Event struct {
	Type     EventType
	Progress *Progress
	Result   *Result
	Err      error
}

// Terminal reports whether no further events follow
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

func newProgress(hashes uint64, elapsed time.Duration, nonce uint64) *Progress {
	p := &Progress{
		HashesComputed: hashes,
		ElapsedMillis:  elapsed.Milliseconds(),
		Nonce:          nonce,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.HashRate = float64(hashes) / secs
	}
	return p
}
