package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
)

func openStore(t *testing.T, target int64) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tokenforge.db"), target, log.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// zeroDifficultyShare is valid for any nonce
func zeroDifficultyShare(t *testing.T, tokenID string, nonce uint64, foundAt time.Time) *share.Share {
	t.Helper()
	seed := fmt.Sprintf("seed-%s", tokenID)
	hash, err := miner.HashCandidate(miner.AlgoSHA256, seed, nonce)
	if err != nil {
		t.Fatal(err)
	}
	return &share.Share{
		ID:             uuid.NewString(),
		TokenID:        tokenID,
		UserID:         "user-1",
		Seed:           seed,
		Nonce:          nonce,
		Hash:           hash,
		Difficulty:     0,
		HashesComputed: nonce + 1,
		ElapsedMillis:  10,
		Algo:           string(miner.AlgoSHA256),
		FoundAt:        foundAt,
	}
}

func TestStore_SubmitAndComplete(t *testing.T) {
	s := openStore(t, 3)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := uint64(0); i < 3; i++ {
		if done, _ := s.Completed(ctx, "tok-1"); done {
			t.Fatalf("token completed after %d shares", i)
		}
		sh := zeroDifficultyShare(t, "tok-1", i, base.Add(time.Duration(i)*time.Second))
		if err := s.SubmitShare(ctx, sh); err != nil {
			t.Fatalf("SubmitShare(%d) error = %v", i, err)
		}
	}

	done, err := s.Completed(ctx, "tok-1")
	if err != nil || !done {
		t.Errorf("Completed() = %v, %v; want true", done, err)
	}

	found, target, err := s.TokenProgress(ctx, "tok-1")
	if err != nil || found != 3 || target != 3 {
		t.Errorf("TokenProgress() = %d/%d, %v", found, target, err)
	}
	if n, _ := s.CountShares(ctx, "tok-2"); n != 0 {
		t.Errorf("CountShares(other token) = %d", n)
	}
}

func TestStore_Duplicate(t *testing.T) {
	s := openStore(t, 10)
	ctx := context.Background()

	sh := zeroDifficultyShare(t, "tok-1", 7, time.Now().UTC())
	if err := s.SubmitShare(ctx, sh); err != nil {
		t.Fatal(err)
	}

	again := *sh
	again.ID = uuid.NewString()
	if err := s.SubmitShare(ctx, &again); err != nil {
		t.Errorf("SubmitShare(duplicate) error = %v", err)
	}
	if n, _ := s.CountShares(ctx, "tok-1"); n != 1 {
		t.Errorf("CountShares() = %d, want 1", n)
	}
}

func TestStore_RecordFound(t *testing.T) {
	s := openStore(t, 2)
	ctx := context.Background()
	base := time.Now().UTC()

	first := zeroDifficultyShare(t, "tok-1", 0, base)
	second := zeroDifficultyShare(t, "tok-1", 1, base.Add(time.Second))
	again := *second
	again.ID = uuid.NewString()
	third := zeroDifficultyShare(t, "tok-1", 2, base.Add(2*time.Second))

	tests := []struct {
		name string
		sh   *share.Share
		want share.Receipt
	}{
		{"first share", first, share.Receipt{Found: 1, Target: 2}},
		{"completing share", second, share.Receipt{Found: 2, Target: 2, JustCompleted: true}},
		{"duplicate", &again, share.Receipt{Found: 2, Target: 2, Duplicate: true}},
		{"past the target", third, share.Receipt{Found: 3, Target: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.RecordFound(ctx, tt.sh)
			if err != nil {
				t.Fatalf("RecordFound() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("RecordFound() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestStore_RejectsInvalid(t *testing.T) {
	s := openStore(t, 10)

	sh := zeroDifficultyShare(t, "tok-1", 7, time.Now().UTC())
	sh.Nonce = 8

	err := s.SubmitShare(context.Background(), sh)
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("SubmitShare() error = %v, want validation error", err)
	}
	if n, _ := s.CountShares(context.Background(), "tok-1"); n != 0 {
		t.Errorf("CountShares() = %d, want 0", n)
	}
}

func TestStore_Shares(t *testing.T) {
	s := openStore(t, 10)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// nonces beyond the signed range survive the text columns
	nonces := []uint64{1, 1<<63 + 11, 1<<64 - 1}
	for i, n := range nonces {
		if err := s.SubmitShare(ctx, zeroDifficultyShare(t, "tok-1", n, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Shares(ctx, "tok-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Shares() returned %d, want 2", len(got))
	}
	if got[0].Nonce != 1<<64-1 || got[1].Nonce != 1<<63+11 {
		t.Errorf("nonces = %d, %d", got[0].Nonce, got[1].Nonce)
	}
	for _, sh := range got {
		if err := sh.Verify(); err != nil {
			t.Errorf("stored share does not verify: %v", err)
		}
	}
}
