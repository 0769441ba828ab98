package view

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chatcore/internal/app/presence"
)

// Session is the per-client context object: it owns which threads the client
// has open and the presence tracker for each. Nothing here is process-global;
// a session is constructed, passed around explicitly, and torn down when the
// client disconnects.
type Session struct {
	UserID   string
	UserName string

	coordinator *Coordinator
	channel     presence.Channel
	presenceOpt presence.Options
	logger      *zap.Logger

	mu       sync.Mutex
	trackers map[string]*presence.Tracker
	closed   bool
}

func NewSession(
	userID, userName string,
	coordinator *Coordinator,
	channel presence.Channel,
	presenceOpt presence.Options,
	logger *zap.Logger,
) *Session {
	return &Session{
		UserID:      userID,
		UserName:    userName,
		coordinator: coordinator,
		channel:     channel,
		presenceOpt: presenceOpt,
		logger:      logger,
		trackers:    make(map[string]*presence.Tracker),
	}
}

// Coordinator exposes the mutation surface for this session's open threads.
func (s *Session) Coordinator() *Coordinator {
	return s.coordinator
}

// OpenThread loads the thread view and joins its presence channel. Opening a
// thread twice is a no-op.
func (s *Session) OpenThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.trackers[threadID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.coordinator.OpenThread(ctx, threadID); err != nil {
		return err
	}

	tracker := presence.NewTracker(s.channel, threadID, s.UserID, s.UserName, s.presenceOpt, s.logger)
	if err := tracker.Start(ctx); err != nil {
		s.coordinator.CloseThread(threadID)
		return err
	}

	s.mu.Lock()
	// Re-check under the lock: a racing open or a concurrent session close
	// may have beaten us here. The loser releases what it set up so neither
	// the tracker nor the view reference leaks.
	if s.closed || s.trackers[threadID] != nil {
		s.mu.Unlock()
		tracker.Close()
		s.coordinator.CloseThread(threadID)
		return nil
	}
	s.trackers[threadID] = tracker
	s.mu.Unlock()
	return nil
}

// CloseThread tears down presence for the thread (leave broadcast,
// subscription dropped, heartbeat stopped) and releases the view.
func (s *Session) CloseThread(threadID string) {
	s.mu.Lock()
	tracker, ok := s.trackers[threadID]
	delete(s.trackers, threadID)
	s.mu.Unlock()
	if !ok {
		return
	}

	tracker.Close()
	s.coordinator.CloseThread(threadID)
}

// CursorMove broadcasts the cursor position on an open thread; moves on
// threads the session has not opened are ignored.
func (s *Session) CursorMove(ctx context.Context, threadID string, pos presence.Position) error {
	s.mu.Lock()
	tracker, ok := s.trackers[threadID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tracker.CursorMove(ctx, pos)
}

// Roster returns the other live participants on an open thread.
func (s *Session) Roster(threadID string) []presence.Record {
	s.mu.Lock()
	tracker, ok := s.trackers[threadID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tracker.Roster()
}

// Close tears down every open thread.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	trackers := s.trackers
	s.trackers = make(map[string]*presence.Tracker)
	s.mu.Unlock()

	for threadID, tracker := range trackers {
		tracker.Close()
		s.coordinator.CloseThread(threadID)
	}
}
