package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texbot/internal/config"
	"texbot/internal/infra/statestore"
	"texbot/internal/matrix"
)

const selfID = "@texbot:example.org"

type syncResult struct {
	resp *matrix.SyncResponse
	err  error
}

// fakeHomeserver replays scripted sync results, then blocks until canceled.
type fakeHomeserver struct {
	mu      sync.Mutex
	results []syncResult
	sinces  []string
	joined  []string
}

func (f *fakeHomeserver) UserID() string { return selfID }

func (f *fakeHomeserver) Sync(ctx context.Context, opts matrix.SyncOptions) (*matrix.SyncResponse, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, opts.Since)
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		f.mu.Unlock()
		return r.resp, r.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeHomeserver) JoinRoom(ctx context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return roomID, nil
}

func (f *fakeHomeserver) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results) == 0
}

type call struct {
	roomID  string
	formula string
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	panic string
}

func (h *recordingHandler) Handle(ctx context.Context, roomID, formula string) error {
	if h.panic != "" && formula == h.panic {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{roomID, formula})
	return nil
}

func (h *recordingHandler) formulas() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		out = append(out, c.formula)
	}
	return out
}

func textEvent(sender, body string) matrix.Event {
	content, _ := json.Marshal(matrix.MessageContent{MsgType: matrix.MsgText, Body: body})
	return matrix.Event{EventID: "$" + body, Type: matrix.EventRoomMessage, Sender: sender, Content: content}
}

func syncWith(next string, roomID string, events ...matrix.Event) syncResult {
	resp := &matrix.SyncResponse{NextBatch: next}
	if roomID != "" {
		resp.Rooms.Join = map[string]matrix.JoinedRoom{
			roomID: {Timeline: matrix.Timeline{Events: events}},
		}
	}
	return syncResult{resp: resp}
}

func plugin() config.PluginConfig {
	return config.PluginConfig{FontSize: 20, ThumbnailDPI: 40, Mode: "svg", Command: "tex"}
}

// runBot runs b until every scripted sync was consumed, then stops it.
func runBot(t *testing.T, b *Bot, hs *fakeHomeserver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, hs.drained, 2*time.Second, 5*time.Millisecond)
	// Let the last response be processed before canceling.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func newBot(hs *fakeHomeserver, h Handler, store statestore.Store, cfg config.MatrixConfig) *Bot {
	b := New(hs, h, store, cfg, plugin)
	b.minBackoff = time.Millisecond
	return b
}

func TestBot_SkipsBacklogWithoutSavedPosition(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", "!r:example.org", textEvent("@alice:example.org", "!tex old")),
		syncWith("s2", "!r:example.org", textEvent("@alice:example.org", "!tex a+b")),
	}}
	h := &recordingHandler{}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, h, store, config.MatrixConfig{}), hs)

	assert.Equal(t, []string{"a+b"}, h.formulas())
	assert.Equal(t, []string{"", "s1", "s2"}, hs.sinces)
	token, err := store.SyncToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s2", token)
}

func TestBot_ResumesFromSavedPosition(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s8", "!r:example.org", textEvent("@alice:example.org", "!tex x")),
	}}
	h := &recordingHandler{}
	store := statestore.NewMemory()
	defer store.Close()
	require.NoError(t, store.SetSyncToken(context.Background(), "s7"))

	runBot(t, newBot(hs, h, store, config.MatrixConfig{}), hs)

	assert.Equal(t, []string{"x"}, h.formulas())
	assert.Equal(t, "s7", hs.sinces[0])
}

func TestBot_IgnoresNonCommands(t *testing.T) {
	notice, _ := json.Marshal(matrix.MessageContent{MsgType: matrix.MsgNotice, Body: "!tex notice"})
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", ""),
		syncWith("s2", "!r:example.org",
			textEvent(selfID, "!tex mine"),
			textEvent("@alice:example.org", "hello"),
			textEvent("@alice:example.org", "!other a"),
			matrix.Event{Type: matrix.EventRoomMessage, Sender: "@alice:example.org", Content: notice},
			matrix.Event{Type: "m.reaction", Sender: "@alice:example.org", Content: json.RawMessage(`{}`)},
			matrix.Event{Type: matrix.EventRoomMessage, Sender: "@alice:example.org", Content: json.RawMessage(`"broken"`)},
			textEvent("@alice:example.org", "!tex ok"),
		),
	}}
	h := &recordingHandler{}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, h, store, config.MatrixConfig{}), hs)

	assert.Equal(t, []string{"ok"}, h.formulas())
}

func TestBot_AutoJoin(t *testing.T) {
	invite := syncWith("s2", "")
	invite.resp.Rooms.Invite = map[string]matrix.InvitedRoom{"!new:example.org": {}}
	hs := &fakeHomeserver{results: []syncResult{syncWith("s1", ""), invite}}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, &recordingHandler{}, store, config.MatrixConfig{AutoJoin: true}), hs)
	assert.Equal(t, []string{"!new:example.org"}, hs.joined)

	hs = &fakeHomeserver{results: []syncResult{syncWith("s1", ""), invite}}
	runBot(t, newBot(hs, &recordingHandler{}, statestore.NewMemory(), config.MatrixConfig{}), hs)
	assert.Empty(t, hs.joined)
}

func TestBot_PanicIsIsolated(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", ""),
		syncWith("s2", "!r:example.org",
			textEvent("@alice:example.org", "!tex explode"),
			textEvent("@bob:example.org", "!tex fine"),
		),
		syncWith("s3", "!r:example.org", textEvent("@carol:example.org", "!tex later")),
	}}
	h := &recordingHandler{panic: "explode"}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, h, store, config.MatrixConfig{}), hs)

	assert.ElementsMatch(t, []string{"fine", "later"}, h.formulas())
}

func TestBot_Cooldown(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", ""),
		syncWith("s2", "!r:example.org",
			textEvent("@alice:example.org", "!tex one"),
			textEvent("@alice:example.org", "!tex two"),
			textEvent("@bob:example.org", "!tex three"),
		),
	}}
	h := &recordingHandler{}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, h, store, config.MatrixConfig{CommandCooldown: time.Minute}), hs)

	assert.ElementsMatch(t, []string{"one", "three"}, h.formulas())
}

func TestBot_RetriesFailedSync(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", ""),
		{err: errors.New("connection refused")},
		{err: &matrix.Error{Code: matrix.ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMs: 1}},
		syncWith("s2", "!r:example.org", textEvent("@alice:example.org", "!tex y")),
	}}
	h := &recordingHandler{}
	store := statestore.NewMemory()
	defer store.Close()

	runBot(t, newBot(hs, h, store, config.MatrixConfig{}), hs)

	assert.Equal(t, []string{"y"}, h.formulas())
	assert.Equal(t, []string{"", "s1", "s1", "s1"}, hs.sinces[:4])
}

func TestBot_UnknownTokenStopsStartup(t *testing.T) {
	hs := &fakeHomeserver{results: []syncResult{
		{err: &matrix.Error{Code: matrix.ErrCodeUnknownToken, StatusCode: 401}},
	}}
	store := statestore.NewMemory()
	defer store.Close()

	err := newBot(hs, &recordingHandler{}, store, config.MatrixConfig{}).Run(context.Background())
	assert.True(t, matrix.IsError(err, matrix.ErrCodeUnknownToken))
}

func TestBot_WaitsForInFlightCommands(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, roomID, formula string) error {
		<-release
		close(finished)
		return nil
	})
	hs := &fakeHomeserver{results: []syncResult{
		syncWith("s1", ""),
		syncWith("s2", "!r:example.org", textEvent("@alice:example.org", "!tex slow")),
	}}
	store := statestore.NewMemory()
	defer store.Close()
	b := newBot(hs, h, store, config.MatrixConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	require.Eventually(t, hs.drained, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a command was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-finished
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func TestBackoff(t *testing.T) {
	b := New(&fakeHomeserver{}, &recordingHandler{}, statestore.NewMemory(), config.MatrixConfig{}, plugin)
	assert.Equal(t, time.Second, b.backoff(errors.New("x"), 1))
	assert.Equal(t, 4*time.Second, b.backoff(errors.New("x"), 3))
	assert.Equal(t, maxBackoff, b.backoff(errors.New("x"), 50))
	assert.Equal(t, 1500*time.Millisecond, b.backoff(fmt.Errorf("wrapped: %w", &matrix.Error{RetryAfterMs: 1500}), 1))
}

type handlerFunc func(ctx context.Context, roomID, formula string) error

func (f handlerFunc) Handle(ctx context.Context, roomID, formula string) error {
	return f(ctx, roomID, formula)
}
