package forge

import (
	"context"

	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
)

//go:generate mockgen -source=interfaces.go -destination=./forge_mock.go -package=forge

// Sink accepts found shares for persistence or publication
type Sink interface {
	SubmitShare(ctx context.Context, s *share.Share) error
}

// ShareRecorder is implemented by sinks that can tell what storing a share
// did to its token. The controller prefers it to SubmitShare.
type ShareRecorder interface {
	RecordFound(ctx context.Context, s *share.Share) (*share.Receipt, error)
}

// Counter is implemented by sinks that can tell how many shares a token has
type Counter interface {
	CountShares(ctx context.Context, tokenID string) (int64, error)
}

// TokenTracker reports how far a token is from its share target
type TokenTracker interface {
	TokenProgress(ctx context.Context, tokenID string) (found, target int64, err error)
}

// ProgressReporter receives throttled progress snapshots of a running job
type ProgressReporter interface {
	ReportProgress(ctx context.Context, tokenID, userID string, p *miner.Progress) error
}
