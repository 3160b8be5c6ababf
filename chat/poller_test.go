package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streambot/backend/commands"
	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/testutil"
	"github.com/onnwee/streambot/backend/youtubeapi"
)

type fakeGateway struct {
	mu      sync.Mutex
	videoID string
	live    bool
	details *youtubeapi.LiveDetails
	pages   []*youtubeapi.ChatPage
	listErr error
	cursors []string
}

func (g *fakeGateway) CheckLiveStatus(ctx context.Context, channelID string) (string, bool, error) {
	return g.videoID, g.live, nil
}

func (g *fakeGateway) LiveDetails(ctx context.Context, videoID string) (*youtubeapi.LiveDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.details, nil
}

func (g *fakeGateway) ListChatMessages(ctx context.Context, liveChatID, pageToken string) (*youtubeapi.ChatPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursors = append(g.cursors, pageToken)
	if g.listErr != nil {
		return nil, g.listErr
	}
	if len(g.pages) == 0 {
		return &youtubeapi.ChatPage{NextPageToken: pageToken}, nil
	}
	page := g.pages[0]
	g.pages = g.pages[1:]
	return page, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Channel string
	Event   string
	Payload any
}

func (r *recordingBroadcaster) BroadcastToChannel(channel, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Channel: channel, Event: event, Payload: payload})
}

func (r *recordingBroadcaster) byType(event string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type dueRecorder struct {
	mu    sync.Mutex
	calls int
}

func (d *dueRecorder) CheckDue(ctx context.Context, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

func (d *dueRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func liveDetails(videoID string) *youtubeapi.LiveDetails {
	return &youtubeapi.LiveDetails{
		VideoID:           videoID,
		LiveChatID:        "chat-" + videoID,
		Title:             "test stream",
		ActualStartTime:   time.Now().Add(-time.Hour),
		ConcurrentViewers: 42,
	}
}

func setup(t *testing.T, gw *fakeGateway) (*sql.DB, *Supervisor, *recordingBroadcaster, *dueRecorder, string) {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	channel := fmt.Sprintf("chan-poll-%d", time.Now().UnixNano())
	if _, err := dbx.Exec(`
		INSERT INTO stream_settings (channel, welcome_message, points_enabled, commands_enabled)
		VALUES ($1, 'Welcome to the stream!', TRUE, TRUE)`, channel); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	bc := &recordingBroadcaster{}
	due := &dueRecorder{}
	ledger := points.NewLedger(dbx)
	engine := commands.NewEngine(commands.NewStore(dbx), ledger)
	ctx, cancel := context.WithCancel(context.Background())
	sup := NewSupervisor(ctx, dbx, gw, ledger, engine, bc, due)
	// Keep the background loop quiet so tests drive ticks directly.
	sup.PollInterval = time.Hour

	t.Cleanup(func() {
		cancel()
		sup.Shutdown()
		_, _ = dbx.Exec(`DELETE FROM gamble_history WHERE user_id IN (SELECT id FROM users WHERE channel=$1)`, channel)
		_, _ = dbx.Exec(`DELETE FROM users WHERE channel=$1`, channel)
		_, _ = dbx.Exec(`DELETE FROM commands WHERE channel=$1`, channel)
		_, _ = dbx.Exec(`DELETE FROM stream_settings WHERE channel=$1`, channel)
	})
	return dbx, sup, bc, due, channel
}

func currentSession(t *testing.T, sup *Supervisor, channel string) *session {
	t.Helper()
	sup.mu.Lock()
	defer sup.mu.Unlock()
	sess, ok := sup.sessions[channel]
	if !ok {
		t.Fatal("no session registered")
	}
	return sess
}

func TestStartNotLive(t *testing.T) {
	gw := &fakeGateway{videoID: "", live: false}
	_, sup, _, _, channel := setup(t, gw)

	if err := sup.Start(context.Background(), channel); !errors.Is(err, ErrNotLive) {
		t.Errorf("Start offline = %v, want ErrNotLive", err)
	}
	if err := sup.Start(context.Background(), "no-such-channel"); !errors.Is(err, ErrNotLive) {
		t.Errorf("Start without settings = %v, want ErrNotLive", err)
	}
	if sup.Running(channel) {
		t.Error("failed start must not register a session")
	}
}

func TestStartNoChatSession(t *testing.T) {
	gw := &fakeGateway{videoID: "vid-1", live: true, details: &youtubeapi.LiveDetails{VideoID: "vid-1"}}
	_, sup, _, _, channel := setup(t, gw)

	if err := sup.Start(context.Background(), channel); !errors.Is(err, ErrNoChatSession) {
		t.Errorf("Start = %v, want ErrNoChatSession", err)
	}
}

func TestStartPersistsLiveStateAndWelcome(t *testing.T) {
	gw := &fakeGateway{videoID: "vid-1", live: true, details: liveDetails("vid-1")}
	dbx, sup, bc, _, channel := setup(t, gw)

	if err := sup.Start(context.Background(), channel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Running(channel) {
		t.Fatal("session not registered after Start")
	}

	// Second start is a no-op.
	if err := sup.Start(context.Background(), channel); err != nil {
		t.Fatalf("idempotent Start: %v", err)
	}

	var isLive bool
	var liveChatID, videoID string
	var viewers int
	err := dbx.QueryRow(`SELECT is_live, live_chat_id, video_id, viewer_count FROM stream_settings WHERE channel=$1`, channel).
		Scan(&isLive, &liveChatID, &videoID, &viewers)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if !isLive || liveChatID != "chat-vid-1" || videoID != "vid-1" || viewers != 42 {
		t.Errorf("persisted state = live=%v chat=%q video=%q viewers=%d", isLive, liveChatID, videoID, viewers)
	}

	welcomes := bc.byType("bot-message")
	if len(welcomes) != 1 {
		t.Fatalf("welcome broadcasts = %d, want 1", len(welcomes))
	}
}

func TestTickProcessesMessages(t *testing.T) {
	gw := &fakeGateway{
		videoID: "vid-1", live: true, details: liveDetails("vid-1"),
		pages: []*youtubeapi.ChatPage{{
			Messages: []youtubeapi.ChatMessage{
				{ID: "m1", AuthorID: "yt-alice", DisplayName: "Alice", Text: "hello everyone", PublishedAt: time.Now()},
				{ID: "m2", AuthorID: "yt-bob", DisplayName: "Bob", Text: "!hello world", PublishedAt: time.Now()},
			},
			NextPageToken: "cursor-2",
		}},
	}
	dbx, sup, bc, due, channel := setup(t, gw)
	ctx := context.Background()

	if _, err := commands.NewStore(dbx).Create(ctx, channel, commands.Input{
		Name: "hello", Response: "hi {user}, args: {args}",
	}); err != nil {
		t.Fatalf("create command: %v", err)
	}

	if err := sup.Start(ctx, channel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := currentSession(t, sup, channel)
	if err := sup.tick(ctx, channel, sess); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Both authors upserted, each with one accrued point.
	var count, pts int
	if err := dbx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(points),0) FROM users WHERE channel=$1`, channel).Scan(&count, &pts); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 2 || pts != 2 {
		t.Errorf("users=%d points=%d, want 2 users with 1 point each", count, pts)
	}

	chats := bc.byType("chat-message")
	if len(chats) != 2 {
		t.Fatalf("chat-message broadcasts = %d, want 2", len(chats))
	}
	responses := bc.byType("bot-response")
	if len(responses) != 1 {
		t.Fatalf("bot-response broadcasts = %d, want 1", len(responses))
	}
	raw, _ := json.Marshal(responses[0].Payload)
	var payload struct {
		Command  string `json:"command"`
		Response string `json:"response"`
		User     string `json:"user"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Command != "hello" || payload.Response != "hi Bob, args: world" {
		t.Errorf("bot response payload = %+v", payload)
	}

	// Cursor advanced and the due-check hook ran once.
	var cursor string
	if err := dbx.QueryRow(`SELECT next_page_token FROM stream_settings WHERE channel=$1`, channel).Scan(&cursor); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cursor != "cursor-2" {
		t.Errorf("cursor = %q, want cursor-2", cursor)
	}
	if due.count() != 1 {
		t.Errorf("due checks = %d, want 1", due.count())
	}

	// The next tick polls with the persisted cursor.
	if err := sup.tick(ctx, channel, sess); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	gw.mu.Lock()
	last := gw.cursors[len(gw.cursors)-1]
	gw.mu.Unlock()
	if last != "cursor-2" {
		t.Errorf("gateway polled with cursor %q, want cursor-2", last)
	}
}

func TestTickErrorKeepsCursor(t *testing.T) {
	gw := &fakeGateway{videoID: "vid-1", live: true, details: liveDetails("vid-1")}
	dbx, sup, _, due, channel := setup(t, gw)
	ctx := context.Background()

	if err := sup.Start(ctx, channel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := dbx.Exec(`UPDATE stream_settings SET next_page_token='keep-me' WHERE channel=$1`, channel); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	gw.mu.Lock()
	gw.listErr = errors.New("quota exceeded")
	gw.mu.Unlock()

	sess := currentSession(t, sup, channel)
	if err := sup.tick(ctx, channel, sess); err == nil {
		t.Fatal("expected tick error")
	}
	if !sup.Running(channel) {
		t.Error("a failed tick must not stop the poller")
	}

	var cursor string
	if err := dbx.QueryRow(`SELECT next_page_token FROM stream_settings WHERE channel=$1`, channel).Scan(&cursor); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cursor != "keep-me" {
		t.Errorf("cursor = %q, failed tick must not advance it", cursor)
	}
	if due.count() != 0 {
		t.Errorf("due checks = %d, failed tick must skip the hook", due.count())
	}
}

func TestBroadcastEndedStopsPoller(t *testing.T) {
	gw := &fakeGateway{videoID: "vid-1", live: true, details: liveDetails("vid-1")}
	dbx, sup, _, _, channel := setup(t, gw)
	ctx := context.Background()

	if err := sup.Start(ctx, channel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := currentSession(t, sup, channel)

	// Force a details refresh that reports the broadcast gone.
	gw.mu.Lock()
	gw.details = nil
	gw.mu.Unlock()
	sess.lastDetails = time.Now().Add(-2 * detailsRefreshEvery)

	if err := sup.tick(ctx, channel, sess); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sup.Running(channel) {
		t.Error("poller should stop when the broadcast ends")
	}
	var isLive bool
	if err := dbx.QueryRow(`SELECT is_live FROM stream_settings WHERE channel=$1`, channel).Scan(&isLive); err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if isLive {
		t.Error("channel should be marked offline")
	}
}

func TestStopIdempotent(t *testing.T) {
	gw := &fakeGateway{videoID: "vid-1", live: true, details: liveDetails("vid-1")}
	_, sup, _, _, channel := setup(t, gw)

	if err := sup.Start(context.Background(), channel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Stop(channel)
	if sup.Running(channel) {
		t.Error("session should be gone after Stop")
	}
	sup.Stop(channel) // no-op
}
