package messaging

import (
	"context"
	"encoding/json"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
)

// ShareSink publishes found shares on TopicShares, keyed by token so that a
// token's shares stay ordered within one partition.
type ShareSink struct {
	publisher Publisher
	sessionID string
}

// NewShareSink creates a sink tagging messages with sessionID
func NewShareSink(publisher Publisher, sessionID string) *ShareSink {
	return &ShareSink{publisher: publisher, sessionID: sessionID}
}

// SubmitShare implements forge.Sink
func (s *ShareSink) SubmitShare(ctx context.Context, sh *share.Share) error {
	data, err := json.Marshal(NewShareMessage(sh, s.sessionID))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "share_marshal", "failed to marshal share").
			WithContext("share_id", sh.ID)
	}
	return s.publisher.PublishJSON(ctx, TopicShares, sh.TokenID, data)
}

// ProgressPublisher publishes progress snapshots on TopicMinerProgress
type ProgressPublisher struct {
	publisher Publisher
}

// NewProgressPublisher creates a progress publisher
func NewProgressPublisher(publisher Publisher) *ProgressPublisher {
	return &ProgressPublisher{publisher: publisher}
}

// ReportProgress implements forge.ProgressReporter
func (p *ProgressPublisher) ReportProgress(ctx context.Context, tokenID, userID string, progress *miner.Progress) error {
	msg, err := ProgressProto(tokenID, userID, progress)
	if err != nil {
		return err
	}
	return p.publisher.PublishProto(ctx, TopicMinerProgress, userID, msg)
}

// ProgressSnapshot is a decoded progress message
type ProgressSnapshot struct {
	TokenID  string
	UserID   string
	Progress miner.Progress
}

// ProgressProto encodes a snapshot as a protobuf Struct. Counters are carried
// as decimal strings since Struct numbers are float64.
func ProgressProto(tokenID, userID string, p *miner.Progress) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"token_id":        tokenID,
		"user_id":         userID,
		"hashes_computed": strconv.FormatUint(p.HashesComputed, 10),
		"nonce":           strconv.FormatUint(p.Nonce, 10),
		"elapsed_ms":      float64(p.ElapsedMillis),
		"hash_rate":       p.HashRate,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "progress_encode", "failed to build progress message")
	}
	return msg, nil
}

// ParseProgress decodes a message built by ProgressProto
func ParseProgress(msg *structpb.Struct) (*ProgressSnapshot, error) {
	fields := msg.GetFields()
	snap := &ProgressSnapshot{
		TokenID: fields["token_id"].GetStringValue(),
		UserID:  fields["user_id"].GetStringValue(),
	}
	if snap.UserID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "progress_decode", "progress message without user_id")
	}

	var err error
	if snap.Progress.HashesComputed, err = strconv.ParseUint(fields["hashes_computed"].GetStringValue(), 10, 64); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "progress_decode", "bad hashes_computed")
	}
	if snap.Progress.Nonce, err = strconv.ParseUint(fields["nonce"].GetStringValue(), 10, 64); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "progress_decode", "bad nonce")
	}
	snap.Progress.ElapsedMillis = int64(fields["elapsed_ms"].GetNumberValue())
	snap.Progress.HashRate = fields["hash_rate"].GetNumberValue()
	return snap, nil
}
