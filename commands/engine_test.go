package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/streambot/backend/db"
	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/testutil"
)

func setup(t *testing.T) (*sql.DB, *Store, *Engine, string) {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	store := NewStore(dbx)
	engine := NewEngine(store, points.NewLedger(dbx))
	channel := fmt.Sprintf("chan-cmd-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM commands WHERE channel=$1`, channel)
		_, _ = dbx.Exec(`DELETE FROM users WHERE channel=$1`, channel)
	})
	return dbx, store, engine, channel
}

func testUser(t *testing.T, dbx *sql.DB, channel string, pts int, mod bool) *db.User {
	t.Helper()
	youtubeID := fmt.Sprintf("yt-cmd-%s", channel)
	u, err := db.UpsertChatUser(context.Background(), dbx, youtubeID, channel, "Tester", "", mod)
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if _, err := dbx.Exec(`UPDATE users SET points=$2 WHERE id=$1`, u.ID, pts); err != nil {
		t.Fatalf("set points: %v", err)
	}
	u.Points = pts
	return u
}

func TestStoreCRUD(t *testing.T) {
	_, store, _, channel := setup(t)
	ctx := context.Background()

	c, err := store.Create(ctx, channel, Input{Name: "Hello", Response: "Hi {user}!"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Name != "hello" {
		t.Errorf("name = %q, want lowercased hello", c.Name)
	}
	if c.Permissions != "everyone" {
		t.Errorf("permissions = %q, want everyone default", c.Permissions)
	}
	if !c.IsActive || c.UsageCount != 0 {
		t.Errorf("new command should be active with zero usage: %+v", c)
	}

	got, err := store.Get(ctx, channel, "HELLO")
	if err != nil || got == nil {
		t.Fatalf("Get = (%v, %v), want command", got, err)
	}

	updated, err := store.Update(ctx, channel, "hello", Input{Name: "hello", Response: "Hey!", Cost: 5, CooldownSeconds: 30, Permissions: "moderator"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Response != "Hey!" || updated.Cost != 5 || updated.Permissions != "moderator" {
		t.Errorf("unexpected update result: %+v", updated)
	}

	toggled, err := store.Toggle(ctx, channel, "hello")
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if toggled.IsActive {
		t.Error("toggle should have deactivated the command")
	}

	list, err := store.List(ctx, channel)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = (%d, %v), want 1 command", len(list), err)
	}

	if err := store.Delete(ctx, channel, "hello"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, channel, "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := store.Update(ctx, channel, "hello", Input{Response: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestProcessUnknownAndInactive(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()
	user := testUser(t, dbx, channel, 0, false)

	res, err := engine.Process(ctx, channel, user, "nope", nil)
	if err != nil || res != nil {
		t.Errorf("unknown command = (%v, %v), want (nil, nil)", res, err)
	}

	if _, err := store.Create(ctx, channel, Input{Name: "off", Response: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Toggle(ctx, channel, "off"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	res, err = engine.Process(ctx, channel, user, "off", nil)
	if err != nil || res != nil {
		t.Errorf("inactive command = (%v, %v), want (nil, nil)", res, err)
	}
}

func TestProcessSubstitution(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()
	user := testUser(t, dbx, channel, 42, false)

	_, err := store.Create(ctx, channel, Input{Name: "greet", Response: "{user} has {points} points in {channel}: {args}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := engine.Process(ctx, channel, user, "GREET", []string{"hi", "there"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := fmt.Sprintf("Tester has 42 points in %s: hi there", channel)
	if res.Response != want {
		t.Errorf("response = %q, want %q", res.Response, want)
	}
	if res.Command != "greet" || res.User != "Tester" {
		t.Errorf("unexpected result meta: %+v", res)
	}

	cmd, _ := store.Get(ctx, channel, "greet")
	if cmd.UsageCount != 1 || !cmd.LastUsed.Valid {
		t.Errorf("usage not committed: %+v", cmd)
	}
}

func TestProcessCooldown(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()
	user := testUser(t, dbx, channel, 0, false)

	if _, err := store.Create(ctx, channel, Input{Name: "slow", Response: "ok", CooldownSeconds: 60}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Process(ctx, channel, user, "slow", nil); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	_, err := engine.Process(ctx, channel, user, "slow", nil)
	var cd *CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	if cd.RemainingSeconds < 1 || cd.RemainingSeconds > 60 {
		t.Errorf("remaining = %d, want within (0,60]", cd.RemainingSeconds)
	}
	if !IsRejection(err) {
		t.Error("cooldown should be a rejection")
	}
}

func TestProcessPermissions(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, channel, Input{Name: "modonly", Response: "ok", Permissions: "moderator"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	viewer := testUser(t, dbx, channel, 0, false)
	if _, err := engine.Process(ctx, channel, viewer, "modonly", nil); !errors.Is(err, ErrNoPermission) {
		t.Errorf("viewer err = %v, want ErrNoPermission", err)
	}

	mod := testUser(t, dbx, channel, 0, true)
	if res, err := engine.Process(ctx, channel, mod, "modonly", nil); err != nil || res == nil {
		t.Errorf("moderator = (%v, %v), want success", res, err)
	}
}

func TestProcessCost(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()
	ledger := points.NewLedger(dbx)

	if _, err := store.Create(ctx, channel, Input{Name: "buy", Response: "bought with {points}", Cost: 30}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	poor := testUser(t, dbx, channel, 10, false)
	_, err := engine.Process(ctx, channel, poor, "buy", nil)
	var ip *InsufficientPointsError
	if !errors.As(err, &ip) || ip.Cost != 30 {
		t.Fatalf("err = %v, want InsufficientPointsError cost 30", err)
	}

	rich := testUser(t, dbx, channel, 100, false)
	res, err := engine.Process(ctx, channel, rich, "buy", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Placeholder shows the pre-deduction balance.
	if res.Response != "bought with 100" {
		t.Errorf("response = %q, want pre-deduction balance", res.Response)
	}
	if bal, _ := ledger.GetPoints(ctx, rich.YoutubeID); bal != 70 {
		t.Errorf("balance = %d, want 70 after cost", bal)
	}
}

func TestStatsAndMostUsed(t *testing.T) {
	dbx, store, engine, channel := setup(t)
	ctx := context.Background()
	user := testUser(t, dbx, channel, 0, false)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := store.Create(ctx, channel, Input{Name: name, Response: "x"}); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if _, err := store.Toggle(ctx, channel, "c"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := engine.Process(ctx, channel, user, "b", nil); err != nil {
			t.Fatalf("Process b: %v", err)
		}
	}
	if _, err := engine.Process(ctx, channel, user, "a", nil); err != nil {
		t.Fatalf("Process a: %v", err)
	}

	st, err := store.Stats(ctx, channel)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := UsageStats{TotalCommands: 3, TotalUsage: 4, ActiveCommands: 2}
	if *st != want {
		t.Errorf("stats = %+v, want %+v", *st, want)
	}

	top, err := store.MostUsed(ctx, channel, 2)
	if err != nil {
		t.Fatalf("MostUsed: %v", err)
	}
	if len(top) != 2 || top[0].Name != "b" || top[1].Name != "a" {
		t.Errorf("most used = %+v, want b then a", top)
	}
}
