package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/tokenforge/internal/database/influx"
	"github.com/bardlex/tokenforge/internal/database/postgres"
	"github.com/bardlex/tokenforge/internal/database/redis"
	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

type fakeShares struct {
	mu        sync.Mutex
	rows      map[string]*postgres.Share
	creates   int
	createErr error
}

func newFakeShares() *fakeShares {
	return &fakeShares{rows: make(map[string]*postgres.Share)}
}

func (f *fakeShares) CreateShare(_ context.Context, s *postgres.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.rows[s.Hash]; ok {
		return fmt.Errorf("%w: %s", postgres.ErrDuplicateShare, s.Hash)
	}
	f.rows[s.Hash] = s
	return nil
}

func (f *fakeShares) CountValidShares(_ context.Context, tokenID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.rows {
		if s.TokenID == tokenID && s.IsValid {
			n++
		}
	}
	return n, nil
}

func (f *fakeShares) ShareExists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[hash]
	return ok, nil
}

type fakeTokens struct {
	tokens   map[string]*postgres.Token
	mined    map[string]int64
	getCalls int
}

func newFakeTokens(tokens ...*postgres.Token) *fakeTokens {
	f := &fakeTokens{tokens: make(map[string]*postgres.Token), mined: make(map[string]int64)}
	for _, t := range tokens {
		f.tokens[t.ID] = t
	}
	return f
}

func (f *fakeTokens) GetToken(_ context.Context, tokenID string) (*postgres.Token, error) {
	f.getCalls++
	t, ok := f.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", postgres.ErrTokenNotFound, tokenID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTokens) UpdateMinedShares(_ context.Context, tokenID string, count int64) error {
	f.mined[tokenID] = count
	return nil
}

func (f *fakeTokens) MarkTokenCompleted(_ context.Context, tokenID string) (bool, error) {
	t := f.tokens[tokenID]
	if t.Status == postgres.TokenStatusCompleted {
		return false, nil
	}
	t.Status = postgres.TokenStatusCompleted
	return true, nil
}

type fakeCache struct {
	claims map[string]bool
	counts map[string]int64
	rates  map[string][]float64
	data   map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		claims: make(map[string]bool),
		counts: make(map[string]int64),
		rates:  make(map[string][]float64),
		data:   make(map[string][]byte),
	}
}

func (f *fakeCache) ClaimShare(_ context.Context, hash string, _ time.Duration) (bool, error) {
	if f.claims[hash] {
		return false, nil
	}
	f.claims[hash] = true
	return true, nil
}

func (f *fakeCache) ReleaseShare(_ context.Context, hash string) error {
	delete(f.claims, hash)
	return nil
}

func (f *fakeCache) SetShareCount(_ context.Context, tokenID string, count int64) error {
	f.counts[tokenID] = count
	return nil
}

func (f *fakeCache) SetHashrate(_ context.Context, userID, tokenID string, hashrate float64, _ time.Duration) error {
	key := userID + "/" + tokenID
	f.rates[key] = append(f.rates[key], hashrate)
	return nil
}

func (f *fakeCache) GetAverageHashrate(_ context.Context, userID, tokenID string, _ time.Duration) (float64, error) {
	rates := f.rates[userID+"/"+tokenID]
	if len(rates) == 0 {
		return 0, nil
	}
	var total float64
	for _, r := range rates {
		total += r
	}
	return total / float64(len(rates)), nil
}

func (f *fakeCache) SetCache(_ context.Context, key string, data any, _ time.Duration) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.data[key] = b
	return nil
}

func (f *fakeCache) GetCache(_ context.Context, key string, dest any) error {
	b, ok := f.data[key]
	if !ok {
		return redis.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeCache) DeleteCache(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeShares) GetSharesByToken(_ context.Context, tokenID string, limit, offset int) ([]*postgres.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []*postgres.Share
	for _, s := range f.rows {
		if s.TokenID == tokenID {
			rows = append(rows, s)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FoundAt.After(rows[j].FoundAt) })
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type fakeMetrics struct {
	statuses    []string
	hashrates   []float64
	completions []int64
	flushes     atomic.Int32
}

func (f *fakeMetrics) WriteShareMetric(_, _ string, _ int, _ uint64, status string) {
	f.statuses = append(f.statuses, status)
}

func (f *fakeMetrics) WriteHashrateMetric(_, _ string, hashrate float64) {
	f.hashrates = append(f.hashrates, hashrate)
}

func (f *fakeMetrics) WriteCompletionMetric(_ string, shares int64) {
	f.completions = append(f.completions, shares)
}

func (f *fakeMetrics) GetShareStats(_ context.Context, _ string, _ time.Duration) (*influx.ShareStats, error) {
	return &influx.ShareStats{TotalShares: int64(len(f.statuses))}, nil
}

func (f *fakeMetrics) GetHashrateHistory(_ context.Context, userID, _ string, _ time.Duration) ([]influx.HashratePoint, error) {
	if userID == "broken" {
		return nil, fmt.Errorf("query failed")
	}
	points := make([]influx.HashratePoint, 0, len(f.hashrates))
	for _, h := range f.hashrates {
		points = append(points, influx.HashratePoint{Hashrate: h})
	}
	return points, nil
}

func (f *fakeMetrics) Flush() { f.flushes.Add(1) }

type fixture struct {
	shares  *fakeShares
	tokens  *fakeTokens
	cache   *fakeCache
	metrics *fakeMetrics
	m       *Manager
}

func newFixture(t *testing.T, withCache bool, tokens ...*postgres.Token) *fixture {
	t.Helper()
	f := &fixture{
		shares:  newFakeShares(),
		tokens:  newFakeTokens(tokens...),
		metrics: &fakeMetrics{},
	}
	stores := Stores{Shares: f.shares, Tokens: f.tokens, Metrics: f.metrics}
	if withCache {
		f.cache = newFakeCache()
		stores.Cache = f.cache
	}
	f.m = New(stores, Options{}, log.Nop())
	f.m.retryConfig = &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return f
}

func mkShare(tokenID string, n int) *share.Share {
	return &share.Share{
		ID:             fmt.Sprintf("share-%d", n),
		TokenID:        tokenID,
		UserID:         "user-1",
		Seed:           "seed",
		Nonce:          uint64(n),
		Hash:           fmt.Sprintf("%064x", n),
		Difficulty:     2,
		HashesComputed: 1000,
		ElapsedMillis:  500,
		Algo:           "sha256",
		FoundAt:        time.Now().UTC(),
	}
}

func TestRecordShare_CompletesToken(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", Status: postgres.TokenStatusMining, TargetShares: 2})
	ctx := context.Background()

	out, err := f.m.RecordShare(ctx, mkShare("tok-1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Target != 2 || out.Percent != 50 || out.Completed || out.Duplicate {
		t.Errorf("first outcome = %+v", out)
	}

	out, err = f.m.RecordShare(ctx, mkShare("tok-1", 2))
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 || out.Percent != 100 || !out.Completed || !out.JustCompleted {
		t.Errorf("completing outcome = %+v", out)
	}

	out, err = f.m.RecordShare(ctx, mkShare("tok-1", 3))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Completed || out.JustCompleted {
		t.Errorf("after completion outcome = %+v, want completed but not just completed", out)
	}

	if len(f.metrics.completions) != 1 || f.metrics.completions[0] != 2 {
		t.Errorf("completion metrics = %v, want [2]", f.metrics.completions)
	}
	if f.tokens.mined["tok-1"] != 3 || f.cache.counts["tok-1"] != 3 {
		t.Errorf("mined = %d, cached count = %d; want 3", f.tokens.mined["tok-1"], f.cache.counts["tok-1"])
	}
	if got := f.cache.rates["user-1/tok-1"]; len(got) != 3 || got[0] != 2000 {
		t.Errorf("hashrate samples = %v", got)
	}
}

func TestRecordShare_DefaultTarget(t *testing.T) {
	f := newFixture(t, false, &postgres.Token{ID: "tok-1"})

	out, err := f.m.RecordShare(context.Background(), mkShare("tok-1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Target != share.DefaultTarget || out.Percent != 0 {
		t.Errorf("outcome = %+v, want default target %d", out, share.DefaultTarget)
	}
}

func TestRecordShare_Duplicates(t *testing.T) {
	tests := []struct {
		name      string
		withCache bool
		preload   bool
	}{
		{"claimed in cache", true, false},
		{"exists without cache", false, false},
		{"unique index", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.withCache, &postgres.Token{ID: "tok-1", TargetShares: 10})
			ctx := context.Background()
			s := mkShare("tok-1", 1)

			if tt.preload {
				// recorded by another processor whose claim has expired
				f.shares.rows[s.Hash] = &postgres.Share{Hash: s.Hash, TokenID: "tok-1", IsValid: true}
			} else if _, err := f.m.RecordShare(ctx, s); err != nil {
				t.Fatal(err)
			}

			again := *s
			again.ID = "share-again"
			out, err := f.m.RecordShare(ctx, &again)
			if err != nil {
				t.Fatalf("RecordShare() error = %v", err)
			}
			if !out.Duplicate {
				t.Errorf("outcome = %+v, want duplicate", out)
			}
			if n, _ := f.shares.CountValidShares(ctx, "tok-1"); n != 1 {
				t.Errorf("stored shares = %d, want 1", n)
			}
			last := f.metrics.statuses[len(f.metrics.statuses)-1]
			if last != StatusDuplicate {
				t.Errorf("last share metric = %s, want %s", last, StatusDuplicate)
			}
		})
	}
}

func TestRecordShare_UnknownToken(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.m.RecordShare(context.Background(), mkShare("nope", 1))
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("RecordShare() error = %v, want validation error", err)
	}
	if !stderrors.Is(err, postgres.ErrTokenNotFound) {
		t.Errorf("error should wrap ErrTokenNotFound: %v", err)
	}
	if f.shares.creates != 0 {
		t.Error("no share should be written for an unknown token")
	}
}

func TestRecordShare_InsertFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", TargetShares: 10})
	f.shares.createErr = stderrors.New("disk full")
	s := mkShare("tok-1", 1)

	_, err := f.m.RecordShare(context.Background(), s)
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Fatalf("RecordShare() error = %v, want database error", err)
	}
	if f.cache.claims[s.Hash] {
		t.Error("claim should be released after a failed insert")
	}

	f.shares.createErr = nil
	out, err := f.m.RecordShare(context.Background(), s)
	if err != nil || out.Duplicate || out.Count != 1 {
		t.Errorf("retry outcome = %+v, %v", out, err)
	}
}

func TestRecordShare_RetriesTransientInsert(t *testing.T) {
	f := newFixture(t, false, &postgres.Token{ID: "tok-1", TargetShares: 10})
	f.shares.createErr = stderrors.New("connection refused")

	_, err := f.m.RecordShare(context.Background(), mkShare("tok-1", 1))
	if err == nil {
		t.Fatal("expected an error")
	}
	if f.shares.creates != 2 {
		t.Errorf("CreateShare called %d times, want 2", f.shares.creates)
	}
}

func TestRecordShare_CachesToken(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", TargetShares: 10})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := f.m.RecordShare(ctx, mkShare("tok-1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if f.tokens.getCalls != 1 {
		t.Errorf("GetToken called %d times, want 1", f.tokens.getCalls)
	}
}

func TestSubmitShare_Validates(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", TargetShares: 10})
	f.m.opts.Validator = share.NewValidator(1, 8, time.Minute)
	ctx := context.Background()

	good := share.New("tok-1", "user-1", miner.Job{Seed: "test-seed", Difficulty: 2}, miner.AlgoSHA256,
		&miner.Result{Hash: "00b4ee15a0069e0a7b183ebdc2d5e1e681a6e2662cdb4db358967037b730850f", Nonce: 300, HashesComputed: 301})
	if err := f.m.SubmitShare(ctx, good); err != nil {
		t.Fatalf("SubmitShare(valid) error = %v", err)
	}

	bad := *good
	bad.Nonce = 301
	err := f.m.SubmitShare(ctx, &bad)
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("SubmitShare(invalid) error = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "proof of work") {
		t.Errorf("error = %v, want proof of work failure", err)
	}
	if f.metrics.statuses[len(f.metrics.statuses)-1] != StatusInvalid {
		t.Errorf("statuses = %v", f.metrics.statuses)
	}

	// resubmitting a recorded share is not an error
	if err := f.m.SubmitShare(ctx, good); err != nil {
		t.Errorf("SubmitShare(duplicate) error = %v", err)
	}

	n, err := f.m.CountShares(ctx, "tok-1")
	if err != nil || n != 1 {
		t.Errorf("CountShares() = %d, %v; want 1", n, err)
	}
}

func TestRecordFound(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", Status: postgres.TokenStatusMining, TargetShares: 2})
	ctx := context.Background()

	tests := []struct {
		name string
		n    int
		want share.Receipt
	}{
		{"first share", 1, share.Receipt{Found: 1, Target: 2}},
		{"completing share", 2, share.Receipt{Found: 2, Target: 2, JustCompleted: true}},
		{"after completion", 3, share.Receipt{Found: 3, Target: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.m.RecordFound(ctx, mkShare("tok-1", tt.n))
			if err != nil {
				t.Fatalf("RecordFound() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("RecordFound() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.m.RecordProgress(ctx, "user-1", "tok-1", 100); err != nil {
		t.Fatal(err)
	}
	avg, err := f.m.RecordProgress(ctx, "user-1", "tok-1", 300)
	if err != nil || avg != 200 {
		t.Errorf("RecordProgress() = %v, %v; want 200", avg, err)
	}
	if len(f.metrics.hashrates) != 2 {
		t.Errorf("hashrate metrics = %v", f.metrics.hashrates)
	}

	noCache := newFixture(t, false)
	if avg, err := noCache.m.RecordProgress(ctx, "user-1", "tok-1", 42); err != nil || avg != 42 {
		t.Errorf("RecordProgress() without cache = %v, %v", avg, err)
	}
}

func TestTokenStats(t *testing.T) {
	f := newFixture(t, true, &postgres.Token{ID: "tok-1", Name: "Forge", TargetShares: 4})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := f.m.RecordShare(ctx, mkShare("tok-1", i)); err != nil {
			t.Fatal(err)
		}
	}

	for _, rate := range []float64{100, 300} {
		if _, err := f.m.RecordProgress(ctx, "user-1", "tok-1", rate); err != nil {
			t.Fatal(err)
		}
	}

	found, target, err := f.m.TokenProgress(ctx, "tok-1")
	if err != nil || found != 3 || target != 4 {
		t.Errorf("TokenProgress() = %d/%d, %v", found, target, err)
	}

	tests := []struct {
		name         string
		userID       string
		wantHashrate int
	}{
		{"token only", "", 0},
		{"with user", "user-1", 2},
		{"history unavailable", "broken", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, err := f.m.GetTokenStats(ctx, "tok-1", tt.userID)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Name != "Forge" || stats.Percent != 75 || stats.Completed || stats.Metrics.TotalShares != 3 {
				t.Errorf("stats = %+v", stats)
			}
			if len(stats.RecentShares) != 3 || stats.RecentShares[0].TokenID != "tok-1" {
				t.Errorf("recent shares = %v", stats.RecentShares)
			}
			if len(stats.Hashrate) != tt.wantHashrate {
				t.Errorf("hashrate points = %d, want %d", len(stats.Hashrate), tt.wantHashrate)
			}
		})
	}

	if _, err := f.m.GetTokenStats(ctx, "missing", ""); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("GetTokenStats(missing) error = %v, want validation error", err)
	}

	if _, _, err := f.m.TokenProgress(ctx, "missing"); err == nil {
		t.Error("TokenProgress(missing) should fail")
	}
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, false)
	var order []string
	f.m.closers = []func() error{
		func() error { order = append(order, "postgres"); return nil },
		func() error { order = append(order, "redis"); return stderrors.New("boom") },
	}

	if err := f.m.Close(); err == nil {
		t.Error("Close() should report closer errors")
	}
	if strings.Join(order, ",") != "redis,postgres" {
		t.Errorf("close order = %v", order)
	}
	if err := f.m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStartPeriodicTasks(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.m.StartPeriodicTasks(ctx, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if f.metrics.flushes.Load() == 0 {
		t.Error("expected periodic flushes")
	}
}
