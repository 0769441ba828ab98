package presence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastOptions() Options {
	return Options{
		Heartbeat:          20 * time.Millisecond,
		EvictAfter:         60 * time.Millisecond,
		CursorEventsPerSec: 10,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func ghostEvent(typ EventType, userID string) Event {
	return Event{
		Type:      typ,
		ThreadID:  "t1",
		UserID:    userID,
		UserName:  "Ghost",
		Timestamp: time.Now().UTC(),
	}
}

func TestTrackersSeeEachOther(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	b := NewTracker(ch, "t1", "bob", "Bob", fastOptions(), zap.NewNop())

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// b joined after a subscribed, so a sees the join directly; b catches a on
	// a's next heartbeat.
	waitFor(t, "a to see b", func() bool {
		r := a.Roster()
		return len(r) == 1 && r[0].UserID == "bob" && r[0].UserName == "Bob"
	})
	waitFor(t, "b to see a", func() bool {
		r := b.Roster()
		return len(r) == 1 && r[0].UserID == "alice"
	})
}

func TestRosterExcludesSelf(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	time.Sleep(60 * time.Millisecond)
	if r := a.Roster(); len(r) != 0 {
		t.Errorf("roster = %+v, own heartbeats must not create a record", r)
	}
}

func TestSilentPeerIsEvicted(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// A peer that joins once and then goes silent.
	if err := ch.Publish(context.Background(), "t1", ghostEvent(EventJoin, "ghost")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ghost to appear", func() bool { return len(a.Roster()) == 1 })

	waitFor(t, "ghost to be evicted", func() bool { return len(a.Roster()) == 0 })
}

func TestLeaveRemovesImmediately(t *testing.T) {
	ch := NewMemoryChannel()
	opts := Options{
		Heartbeat:          time.Hour, // heartbeat out of the picture
		EvictAfter:         2 * time.Hour,
		CursorEventsPerSec: 10,
	}
	a := NewTracker(ch, "t1", "alice", "Alice", opts, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ch.Publish(context.Background(), "t1", ghostEvent(EventJoin, "ghost"))
	waitFor(t, "ghost to appear", func() bool { return len(a.Roster()) == 1 })

	ch.Publish(context.Background(), "t1", ghostEvent(EventLeave, "ghost"))
	waitFor(t, "ghost to leave", func() bool { return len(a.Roster()) == 0 })
}

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	b := NewTracker(ch, "t1", "bob", "Bob", fastOptions(), zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	waitFor(t, "a to see b", func() bool { return len(a.Roster()) == 1 })

	// Well past the idle threshold; heartbeats keep the record fresh.
	time.Sleep(4 * fastOptions().EvictAfter)
	if r := a.Roster(); len(r) != 1 {
		t.Errorf("roster = %+v, heartbeating peer must survive", r)
	}
}

func TestCursorMoveUpdatesPeerRoster(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	b := NewTracker(ch, "t1", "bob", "Bob", fastOptions(), zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.CursorMove(context.Background(), Position{X: 12, Y: 34}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "cursor to reach a", func() bool {
		r := a.Roster()
		return len(r) == 1 && r[0].Cursor != nil && r[0].Cursor.X == 12 && r[0].Cursor.Y == 34
	})
}

func TestCursorMoveThrottles(t *testing.T) {
	ch := NewMemoryChannel()
	received, unsub, err := ch.Subscribe(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	opts := Options{
		Heartbeat:          time.Hour,
		EvictAfter:         2 * time.Hour,
		CursorEventsPerSec: 5,
	}
	a := NewTracker(ch, "t1", "alice", "Alice", opts, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// A burst far above the rate: drops must be silent nils, not errors.
	for i := 0; i < 50; i++ {
		if err := a.CursorMove(context.Background(), Position{X: float64(i)}); err != nil {
			t.Fatalf("cursor move %d: %v", i, err)
		}
	}

	cursorEvents := 0
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-received:
			if ev.Type == EventCursor {
				cursorEvents++
			}
		case <-timeout:
			break drain
		}
	}
	if cursorEvents == 0 {
		t.Error("throttle dropped everything; at least the first move passes")
	}
	if cursorEvents > 5 {
		t.Errorf("cursor events = %d, want a small fraction of the 50-move burst", cursorEvents)
	}
}

func TestCloseAnnouncesLeaveAndIsIdempotent(t *testing.T) {
	ch := NewMemoryChannel()
	a := NewTracker(ch, "t1", "alice", "Alice", fastOptions(), zap.NewNop())
	b := NewTracker(ch, "t1", "bob", "Bob", fastOptions(), zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "a to see b", func() bool { return len(a.Roster()) == 1 })

	b.Close()
	b.Close()

	waitFor(t, "leave to clear b from a's roster", func() bool { return len(a.Roster()) == 0 })
}

func TestOptionDefaults(t *testing.T) {
	var zero Options
	got := zero.withDefaults()
	if got.Heartbeat != 30*time.Second {
		t.Errorf("heartbeat = %v, want 30s", got.Heartbeat)
	}
	if got.EvictAfter != 60*time.Second {
		t.Errorf("evict after = %v, want 60s", got.EvictAfter)
	}
	if got.CursorEventsPerSec != 10 {
		t.Errorf("cursor rate = %v, want 10", got.CursorEventsPerSec)
	}

	short := Options{Heartbeat: 10 * time.Second, EvictAfter: 5 * time.Second}
	if got := short.withDefaults(); got.EvictAfter != 20*time.Second {
		t.Errorf("evict after = %v, want clamped to twice the heartbeat", got.EvictAfter)
	}
}
