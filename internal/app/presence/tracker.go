package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes one tracker. EvictAfter should be at least twice the
// heartbeat interval so a single dropped heartbeat does not evict a live
// participant.
type Options struct {
	Heartbeat          time.Duration
	EvictAfter         time.Duration
	CursorEventsPerSec float64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.EvictAfter < 2*opts.Heartbeat {
		opts.EvictAfter = 2 * opts.Heartbeat
	}
	if opts.CursorEventsPerSec <= 0 {
		opts.CursorEventsPerSec = 10
	}
	return opts
}

// Tracker maintains one user's presence on one open thread: it announces
// join, re-publishes on a heartbeat so peers keep the record fresh,
// broadcasts throttled cursor positions, and keeps a local roster of every
// other participant with timeout eviction.
type Tracker struct {
	channel  Channel
	threadID string
	userID   string
	userName string
	opts     Options
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	roster map[string]*Record

	cancel    context.CancelFunc
	unsub     func()
	done      chan struct{}
	closeOnce sync.Once
}

func NewTracker(channel Channel, threadID, userID, userName string, opts Options, logger *zap.Logger) *Tracker {
	o := opts.withDefaults()
	return &Tracker{
		channel:  channel,
		threadID: threadID,
		userID:   userID,
		userName: userName,
		opts:     o,
		limiter:  rate.NewLimiter(rate.Limit(o.CursorEventsPerSec), 1),
		logger:   logger.Sugar(),
		roster:   make(map[string]*Record),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the thread's presence channel, announces the join and
// begins the heartbeat loop. The tracker runs until Close.
func (t *Tracker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	events, unsub, err := t.channel.Subscribe(runCtx, t.threadID)
	if err != nil {
		cancel()
		return err
	}
	t.unsub = unsub

	if err := t.publish(runCtx, EventJoin, nil); err != nil {
		t.logger.Warnw("Failed to announce join",
			"thread_id", t.threadID,
			"user_id", t.userID,
			"error", err,
		)
	}

	go t.receiveLoop(events)
	go t.heartbeatLoop(runCtx)
	return nil
}

// CursorMove broadcasts the cursor position, throttled to the configured
// event rate. Over-rate moves are dropped, not queued; only the latest
// position matters.
func (t *Tracker) CursorMove(ctx context.Context, pos Position) error {
	if !t.limiter.Allow() {
		return nil
	}
	return t.publish(ctx, EventCursor, &pos)
}

// Roster returns every other participant currently considered live, evicting
// records whose lastActive exceeds the idle threshold.
func (t *Tracker) Roster() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]Record, 0, len(t.roster))
	for id, rec := range t.roster {
		if now.Sub(rec.LastActive) > t.opts.EvictAfter {
			delete(t.roster, id)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close tears the tracker down: best-effort leave broadcast, heartbeat
// stopped, subscription dropped. Safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.publish(ctx, EventLeave, nil); err != nil {
			t.logger.Debugw("Failed to announce leave",
				"thread_id", t.threadID,
				"user_id", t.userID,
				"error", err,
			)
		}
		if t.cancel != nil {
			t.cancel()
		}
		if t.unsub != nil {
			t.unsub()
		}
		close(t.done)
	})
}

func (t *Tracker) publish(ctx context.Context, typ EventType, pos *Position) error {
	return t.channel.Publish(ctx, t.threadID, Event{
		Type:      typ,
		ThreadID:  t.threadID,
		UserID:    t.userID,
		UserName:  t.userName,
		Position:  pos,
		Timestamp: time.Now().UTC(),
	})
}

func (t *Tracker) receiveLoop(events <-chan Event) {
	for ev := range events {
		if ev.UserID == t.userID {
			continue
		}
		t.apply(ev)
	}
}

func (t *Tracker) apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventLeave:
		delete(t.roster, ev.UserID)
	case EventJoin, EventCursor:
		rec, ok := t.roster[ev.UserID]
		if !ok {
			rec = &Record{
				UserID:   ev.UserID,
				ThreadID: t.threadID,
			}
			t.roster[ev.UserID] = rec
		}
		if ev.UserName != "" {
			rec.UserName = ev.UserName
		}
		if ev.Position != nil {
			rec.Cursor = ev.Position
		}
		rec.LastActive = ev.Timestamp
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.publish(ctx, EventJoin, nil); err != nil {
				t.logger.Debugw("Heartbeat publish failed",
					"thread_id", t.threadID,
					"user_id", t.userID,
					"error", err,
				)
			}
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, rec := range t.roster {
		if now.Sub(rec.LastActive) > t.opts.EvictAfter {
			delete(t.roster, id)
		}
	}
}
