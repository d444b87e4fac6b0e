package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/bardlex/tokenforge/internal/database"
	"github.com/bardlex/tokenforge/internal/database/influx"
	"github.com/bardlex/tokenforge/internal/forge"
	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

// unreachable within a test run
const slowDifficulty = 12

type memorySink struct {
	mu     sync.Mutex
	shares []*share.Share
}

func (m *memorySink) SubmitShare(_ context.Context, s *share.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, s)
	return nil
}

func (m *memorySink) CountShares(_ context.Context, tokenID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.shares {
		if s.TokenID == tokenID {
			n++
		}
	}
	return n, nil
}

func (m *memorySink) all() []*share.Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*share.Share(nil), m.shares...)
}

type denyLimiter struct {
	keys chan string
}

func (d *denyLimiter) CheckRateLimit(_ context.Context, key string, _ int64, _ time.Duration) (bool, error) {
	d.keys <- key
	return false, nil
}

type fakeStats struct {
	stats map[string]*database.TokenStats
}

func (f *fakeStats) GetTokenStats(_ context.Context, tokenID, userID string) (*database.TokenStats, error) {
	if tokenID == "broken" {
		return nil, errors.New(errors.ErrorTypeDatabase, "token_stats", "connection refused")
	}
	stats, ok := f.stats[tokenID]
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "get_token", "unknown token")
	}
	if userID != "" {
		stats.Hashrate = []influx.HashratePoint{{Hashrate: 250}}
	}
	return stats, nil
}

func testBackend(difficulty int, sink *memorySink) *Backend {
	return &Backend{
		Miner: miner.Config{Difficulty: difficulty, BatchSize: 100, EventBuffer: 16, Algo: miner.AlgoSHA256},
		Forge: forge.Config{
			Target: 10,
			Retry:  &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		},
		NewSink: func(string) forge.Sink { return sink },
	}
}

// startServer serves on a loopback port and returns the server with the
// address to dial
func startServer(t *testing.T, cfg ServerConfig, backend *Backend) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(cfg, backend, log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ctx, listener)
	}()

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		cancel()
		<-served
	})
	return srv, listener.Addr().String()
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
	pending []*Message
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *testClient) read() *Message {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.t.Fatal(err)
	}
	if !c.scanner.Scan() {
		c.t.Fatalf("read: %v", c.scanner.Err())
	}
	msg, err := ParseMessage(c.scanner.Bytes())
	if err != nil {
		c.t.Fatalf("bad message %q: %v", c.scanner.Text(), err)
	}
	return msg
}

func (c *testClient) writeLine(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// call sends a request and returns its response, keeping notifications that
// arrive in between for waitFor
func (c *testClient) call(method string, params ...any) *Message {
	c.t.Helper()
	c.nextID++
	data, err := MarshalMessage(NewRequest(c.nextID, method, params))
	if err != nil {
		c.t.Fatal(err)
	}
	c.writeLine(string(data))

	for {
		msg := c.read()
		if msg.IsNotification() {
			c.pending = append(c.pending, msg)
			continue
		}
		if id, ok := msg.ID.(float64); ok && int(id) == c.nextID {
			return msg
		}
		c.t.Fatalf("unexpected message %+v", msg)
	}
}

// waitFor returns the next notification named method
func (c *testClient) waitFor(method string) *Message {
	c.t.Helper()
	for i, msg := range c.pending {
		if msg.Method == method {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}
	for {
		msg := c.read()
		if msg.Method == method {
			return msg
		}
		c.pending = append(c.pending, msg)
	}
}

func decode[T any](t *testing.T, v any) T {
	t.Helper()
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func wantError(t *testing.T, msg *Message, code int) {
	t.Helper()
	if msg.Error == nil {
		t.Fatalf("response = %+v, want error %d", msg, code)
	}
	if msg.Error.Code != code {
		t.Errorf("error code = %d (%s), want %d", msg.Error.Code, msg.Error.Message, code)
	}
}

func TestServer_StartFindsAndSubmits(t *testing.T) {
	sink := &memorySink{}
	_, addr := startServer(t, ServerConfig{}, testBackend(1, sink))
	c := dial(t, addr)

	resp := c.call(MethodStart, "tok-1", "user-1")
	if resp.Error != nil {
		t.Fatalf("start error = %+v", resp.Error)
	}
	started := decode[StartResponse](t, resp.Result)
	if started.TokenID != "tok-1" || started.Difficulty != 1 || started.Seed == "" {
		t.Errorf("start result = %+v", started)
	}

	found := decode[FoundParams](t, c.waitFor(NotifyFound).Params[0])
	if found.Seed != started.Seed || found.Hash[:1] != "0" {
		t.Errorf("found = %+v", found)
	}

	submitted := decode[SubmittedParams](t, c.waitFor(NotifySubmitted).Params[0])
	if submitted.ShareID != found.ShareID || submitted.Shares != 1 || submitted.Percent != 10 {
		t.Errorf("submitted = %+v", submitted)
	}

	haptic := decode[hapticParams](t, c.waitFor(NotifyHaptic).Params[0])
	if haptic.Kind != "success" {
		t.Errorf("haptic kind = %q", haptic.Kind)
	}

	shares := sink.all()
	if len(shares) != 1 {
		t.Fatalf("sink holds %d shares, want 1", len(shares))
	}
	if err := shares[0].Verify(); err != nil {
		t.Errorf("submitted share does not verify: %v", err)
	}
	if shares[0].UserID != "user-1" {
		t.Errorf("share user = %q", shares[0].UserID)
	}

	// the job ended with the find, so the miner accepts a new one
	status := decode[StatusResponse](t, c.call(MethodStatus).Result)
	if status.Running {
		t.Error("status still running after find")
	}
}

func TestServer_StopAndStatus(t *testing.T) {
	_, addr := startServer(t, ServerConfig{}, testBackend(slowDifficulty, &memorySink{}))
	c := dial(t, addr)

	wantError(t, c.call(MethodStop), ErrorNotRunning)

	if resp := c.call(MethodStart, "tok-1", "user-1"); resp.Error != nil {
		t.Fatalf("start error = %+v", resp.Error)
	}
	wantError(t, c.call(MethodStart, "tok-1", "user-1"), ErrorAlreadyRunning)

	c.waitFor(NotifyProgress)
	status := decode[StatusResponse](t, c.call(MethodStatus).Result)
	if !status.Running || status.TokenID != "tok-1" || status.Difficulty != slowDifficulty {
		t.Errorf("status = %+v", status)
	}
	if status.Progress == nil || status.Progress.HashesComputed == 0 {
		t.Errorf("status progress = %+v", status.Progress)
	}

	resp := c.call(MethodStop)
	if resp.Error != nil || resp.Result != true {
		t.Fatalf("stop = %+v", resp)
	}
	stopped := c.waitFor(NotifyStopped)
	if stopped.Params[0] != "tok-1" {
		t.Errorf("stopped params = %v", stopped.Params)
	}

	status = decode[StatusResponse](t, c.call(MethodStatus).Result)
	if status.Running {
		t.Error("status running after stop")
	}
}

func TestServer_SetDifficulty(t *testing.T) {
	_, addr := startServer(t, ServerConfig{}, testBackend(4, &memorySink{}))
	c := dial(t, addr)

	wantError(t, c.call(MethodSetDifficulty, 1.5), ErrorInvalidParams)
	wantError(t, c.call(MethodSetDifficulty, 65), ErrorInvalidParams)

	if resp := c.call(MethodSetDifficulty, 7); resp.Error != nil {
		t.Fatalf("set_difficulty error = %+v", resp.Error)
	}
	status := decode[StatusResponse](t, c.call(MethodStatus).Result)
	if status.Difficulty != 7 {
		t.Errorf("difficulty = %d, want 7", status.Difficulty)
	}
}

func TestServer_BadRequests(t *testing.T) {
	_, addr := startServer(t, ServerConfig{}, testBackend(4, &memorySink{}))
	c := dial(t, addr)

	c.writeLine(`{not json`)
	msg := c.read()
	if msg.ID != nil {
		t.Errorf("parse error id = %v, want null", msg.ID)
	}
	wantError(t, msg, ErrorParseError)

	wantError(t, c.call("miner.explode"), ErrorMethodNotFound)
	wantError(t, c.call(MethodStart, "tok-1"), ErrorInvalidParams)
	wantError(t, c.call(MethodTokenProgress, "tok-1"), ErrorOther)
	wantError(t, c.call(MethodTokenStats, "tok-1"), ErrorOther)

	// the session survives all of the above
	if resp := c.call(MethodStatus); resp.Error != nil {
		t.Errorf("status error = %+v", resp.Error)
	}
}

func TestServer_RateLimit(t *testing.T) {
	limiter := &denyLimiter{keys: make(chan string, 1)}
	backend := testBackend(slowDifficulty, &memorySink{})
	backend.Limiter = limiter
	backend.StartsPerMinute = 5

	_, addr := startServer(t, ServerConfig{}, backend)
	c := dial(t, addr)

	wantError(t, c.call(MethodStart, "tok-1", "user-9"), ErrorRateLimited)
	if key := <-limiter.keys; key != "start:user-9" {
		t.Errorf("rate limit key = %q", key)
	}
}

func TestServer_TokenTracker(t *testing.T) {
	ctrl := gomock.NewController(t)
	tracker := forge.NewMockTokenTracker(ctrl)

	unknown := errors.New(errors.ErrorTypeValidation, "get_token", "token not found")
	tracker.EXPECT().TokenProgress(gomock.Any(), "missing").Return(int64(0), int64(0), unknown).Times(2)
	tracker.EXPECT().TokenProgress(gomock.Any(), "done").Return(int64(10), int64(10), nil)
	tracker.EXPECT().TokenProgress(gomock.Any(), "half").Return(int64(5), int64(10), nil)

	backend := testBackend(slowDifficulty, &memorySink{})
	backend.Tracker = tracker

	_, addr := startServer(t, ServerConfig{}, backend)
	c := dial(t, addr)

	wantError(t, c.call(MethodStart, "missing", "user-1"), ErrorUnknownToken)
	wantError(t, c.call(MethodStart, "done", "user-1"), ErrorTokenCompleted)
	wantError(t, c.call(MethodTokenProgress, "missing"), ErrorUnknownToken)

	resp := c.call(MethodTokenProgress, "half")
	if resp.Error != nil {
		t.Fatalf("token.progress error = %+v", resp.Error)
	}
	got := decode[TokenProgressResponse](t, resp.Result)
	want := TokenProgressResponse{TokenID: "half", Shares: 5, Target: 10, Percent: 50}
	if got != want {
		t.Errorf("token.progress = %+v, want %+v", got, want)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	srv, addr := startServer(t, ServerConfig{MaxConnections: 1}, testBackend(4, &memorySink{}))

	first := dial(t, addr)
	// a round trip guarantees the first session is registered
	first.call(MethodStatus)

	second := dial(t, addr)
	if err := second.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if second.scanner.Scan() {
		t.Errorf("second connection got %q, want it closed", second.scanner.Text())
	}
	if srv.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", srv.SessionCount())
	}
}

func TestServer_ShutdownStopsMiners(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ServerConfig{}, testBackend(slowDifficulty, &memorySink{}), log.Nop())
	go func() { _ = srv.Serve(context.Background(), listener) }()

	c := dial(t, listener.Addr().String())
	if resp := c.call(MethodStart, "tok-1", "user-1"); resp.Error != nil {
		t.Fatalf("start error = %+v", resp.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("SessionCount() after shutdown = %d", n)
	}
}

func TestServer_Addr(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ServerConfig{}, testBackend(4, &memorySink{}), log.Nop())
	if addr := srv.Addr(); addr != nil {
		t.Errorf("Addr() before Serve = %v, want nil", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, listener) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Addr() still nil while serving")
		}
		time.Sleep(time.Millisecond)
	}
	if got, want := srv.Addr().String(), listener.Addr().String(); got != want {
		t.Errorf("Addr() = %s, want %s", got, want)
	}

	cancel()
	if err := <-served; err != context.Canceled {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	srv := NewServer(ServerConfig{}, testBackend(4, &memorySink{}), log.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, listener) }()

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatal("Serve() kept running after Shutdown")
	}
	if _, err := listener.Accept(); err == nil {
		t.Error("listener still open after Serve returned")
	}
}

// A connection accepted while Shutdown runs is closed rather than tracked
func TestServer_ConnectionAfterShutdown(t *testing.T) {
	srv := NewServer(ServerConfig{}, testBackend(slowDifficulty, &memorySink{}), log.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	server, client := net.Pipe()
	defer func() { _ = client.Close() }()
	srv.wg.Add(1)
	go srv.handleConnection(ctx, server)

	if err := client.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if n, err := client.Read(make([]byte, 1)); err == nil {
		t.Errorf("Read() = %d bytes, want closed connection", n)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("SessionCount() = %d, want 0", n)
	}
}

func TestServer_TokenStats(t *testing.T) {
	backend := testBackend(4, &memorySink{})
	backend.Stats = &fakeStats{stats: map[string]*database.TokenStats{
		"tok-1": {
			TokenID:      "tok-1",
			Name:         "Forge",
			Shares:       3,
			Target:       4,
			Percent:      75,
			Metrics:      &influx.ShareStats{TotalShares: 4, ValidShares: 3},
			RecentShares: []*share.Share{{ID: "share-1", TokenID: "tok-1", Nonce: 300}},
		},
	}}

	_, addr := startServer(t, ServerConfig{}, backend)
	c := dial(t, addr)

	wantError(t, c.call(MethodTokenStats), ErrorInvalidParams)
	wantError(t, c.call(MethodTokenStats, "missing"), ErrorUnknownToken)
	wantError(t, c.call(MethodTokenStats, "broken"), ErrorOther)

	resp := c.call(MethodTokenStats, "tok-1", "user-1")
	if resp.Error != nil {
		t.Fatalf("token.stats error = %+v", resp.Error)
	}
	got := decode[database.TokenStats](t, resp.Result)
	if got.Name != "Forge" || got.Percent != 75 || got.Metrics.ValidShares != 3 {
		t.Errorf("token.stats = %+v", got)
	}
	if len(got.RecentShares) != 1 || got.RecentShares[0].Nonce != 300 {
		t.Errorf("recent shares = %+v", got.RecentShares)
	}
	if len(got.Hashrate) != 1 || got.Hashrate[0].Hashrate != 250 {
		t.Errorf("hashrate = %+v", got.Hashrate)
	}
}
