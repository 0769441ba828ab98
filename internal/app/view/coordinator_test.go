package view

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/apperrors"
	"chatcore/internal/app/message"
	"chatcore/internal/app/thread"
	"chatcore/internal/providers/generation"
	"chatcore/internal/utils"
)

// fakeStore is an in-memory message.Service. Only the record-level operations
// the coordinator flushes through are meaningful; the cascade operations
// delegate to naive implementations for completeness.
type fakeStore struct {
	mu          sync.Mutex
	msgs        map[string]*message.Message
	failPersist bool
	deleteCalls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string]*message.Message)}
}

func (s *fakeStore) seed(m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m.Clone()
}

func (s *fakeStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.msgs[id]
	return ok
}

func (s *fakeStore) get(id string) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[id]; ok {
		return m.Clone()
	}
	return nil
}

func (s *fakeStore) deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deleteCalls))
	copy(out, s.deleteCalls)
	return out
}

func (s *fakeStore) Append(_ context.Context, threadID string, in message.AppendInput) (*message.Message, error) {
	m := message.NewMessage(threadID, in, 1)
	s.seed(m)
	return m, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*message.Message, error) {
	if m := s.get(id); m != nil {
		return m, nil
	}
	return nil, &apperrors.NotFoundError{Resource: "message", ID: id}
}

func (s *fakeStore) ListByThread(_ context.Context, threadID string) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Message
	for _, m := range s.msgs {
		if m.ThreadID == threadID {
			out = append(out, m.Clone())
		}
	}
	message.SortChrono(out)
	return out, nil
}

func (s *fakeStore) DeleteFrom(_ context.Context, _, _ string) (int, error) { return 0, nil }

func (s *fakeStore) DeleteOne(_ context.Context, _, _ string) error { return nil }

func (s *fakeStore) EditWithCascade(_ context.Context, _, _, _ string) (*message.Message, error) {
	return nil, nil
}

func (s *fakeStore) Persist(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist {
		return &apperrors.PersistenceError{Op: "create message", Err: errors.New("disk full")}
	}
	s.msgs[m.ID] = m.Clone()
	return nil
}

func (s *fakeStore) PersistUpdate(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist {
		return &apperrors.PersistenceError{Op: "update message", Err: errors.New("disk full")}
	}
	s.msgs[m.ID] = m.Clone()
	return nil
}

func (s *fakeStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, id)
	delete(s.msgs, id)
	return nil
}

type fakeThreads struct{}

func (fakeThreads) CreateThread(_ context.Context, _ thread.CreateInput) (*thread.Thread, error) {
	return nil, nil
}

func (fakeThreads) GetThread(_ context.Context, id string) (*thread.Thread, error) {
	return &thread.Thread{ID: id, OwnerID: "u1", Provider: "scripted", Model: "test-model"}, nil
}

func (fakeThreads) ListThreads(_ context.Context, _ string) []*thread.Thread { return nil }

func (fakeThreads) UpdateThread(_ context.Context, _ string, _ thread.UpdateThreadRequest) (*thread.Thread, error) {
	return nil, nil
}

func (fakeThreads) DeleteThread(_ context.Context, _ string) error { return nil }

func (fakeThreads) Touch(_ context.Context, _ string, _ time.Time) error { return nil }

func (fakeThreads) ListForks(_ context.Context, _, _ string) ([]*thread.Thread, error) {
	return nil, nil
}

type fakeToucher struct{}

func (fakeToucher) Touch(_ context.Context, _ string, _ time.Time) error { return nil }

// scriptedGenerator runs the configured script as the stream producer.
type scriptedGenerator struct {
	script func(ctx context.Context, req generation.Request, stream *generation.Stream)
}

func (g *scriptedGenerator) Stream(ctx context.Context, req generation.Request) (*generation.Stream, error) {
	stream := generation.NewStream(16)
	go g.script(ctx, req, stream)
	return stream, nil
}

func echoScript(text string) func(context.Context, generation.Request, *generation.Stream) {
	return func(_ context.Context, _ generation.Request, stream *generation.Stream) {
		stream.Emit(generation.Event{Kind: generation.EventText, Text: text})
		stream.Finish(generation.Result{
			Text:  text,
			Usage: generation.Usage{PromptTokens: 10, CompletionTokens: 5},
		}, nil)
	}
}

func newTestCoordinator(store *fakeStore, script func(context.Context, generation.Request, *generation.Stream)) (*Coordinator, *utils.EventBus) {
	registry := generation.NewRegistry()
	if script != nil {
		registry.Register("scripted", &scriptedGenerator{script: script})
	}
	bus := utils.NewEventBus()
	c := NewCoordinator(store, fakeThreads{}, fakeToucher{}, registry, bus, zap.NewNop())
	return c, bus
}

func seedStore(store *fakeStore, threadID string, contents ...string) []*message.Message {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*message.Message, 0, len(contents))
	for i, content := range contents {
		m := message.NewMessage(threadID, message.AppendInput{Sender: "u1", Content: content}, int64(i+1))
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		store.seed(m)
		out = append(out, m)
	}
	return out
}

func TestSendAppliesToViewThenStore(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "t1", "m0")
	c, _ := newTestCoordinator(store, nil)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	sent, err := c.Send(context.Background(), "t1", message.AppendInput{Sender: "u1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// Visible in the view immediately, independent of the background flush.
	msgs, err := c.Messages("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ID != sent.ID {
		t.Fatalf("view = %d messages, want the sent one last", len(msgs))
	}
	if sent.Seq != 2 {
		t.Errorf("seq = %d, want 2", sent.Seq)
	}

	c.Flush("t1")
	if !store.has(sent.ID) {
		t.Error("message not flushed to store")
	}
}

func TestSendToUnopenedThread(t *testing.T) {
	c, _ := newTestCoordinator(newFakeStore(), nil)
	if _, err := c.Send(context.Background(), "t1", message.AppendInput{Sender: "u1", Content: "x"}); !apperrors.IsNotFound(err) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

func TestDeleteFromSkipsUnsavedEntries(t *testing.T) {
	store := newFakeStore()
	seeded := seedStore(store, "t1", "m0", "m1")
	c, _ := newTestCoordinator(store, nil)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	// An entry whose flush failed exists only in the view.
	store.mu.Lock()
	store.failPersist = true
	store.mu.Unlock()
	unsaved, err := c.Send(context.Background(), "t1", message.AppendInput{Sender: "u1", Content: "local only"})
	if err != nil {
		t.Fatal(err)
	}
	c.Flush("t1")
	store.mu.Lock()
	store.failPersist = false
	store.mu.Unlock()

	if err := c.DeleteFrom(context.Background(), "t1", seeded[1].ID); err != nil {
		t.Fatal(err)
	}
	c.Flush("t1")

	msgs, _ := c.Messages("t1")
	if len(msgs) != 1 || msgs[0].ID != seeded[0].ID {
		t.Fatalf("view after cascade = %d messages", len(msgs))
	}

	deletes := store.deletes()
	if len(deletes) != 1 || deletes[0] != seeded[1].ID {
		t.Errorf("store deletes = %v, want only [%s]", deletes, seeded[1].ID)
	}
	for _, id := range deletes {
		if id == unsaved.ID {
			t.Error("unsaved entry must never reach the store")
		}
	}
}

func TestEditWithCascadeFlushesUpdateAndDeletes(t *testing.T) {
	store := newFakeStore()
	seeded := seedStore(store, "t1", "q1", "a1", "q2")
	c, _ := newTestCoordinator(store, nil)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	edited, err := c.EditWithCascade(context.Background(), "t1", seeded[0].ID, "rewritten")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "rewritten" || !edited.Edited {
		t.Errorf("edited = %+v", edited)
	}

	msgs, _ := c.Messages("t1")
	if len(msgs) != 1 || msgs[0].Content != "rewritten" {
		t.Fatalf("view = %+v", msgs)
	}

	c.Flush("t1")
	if stored := store.get(seeded[0].ID); stored == nil || stored.Content != "rewritten" {
		t.Errorf("store update not flushed: %+v", stored)
	}
	if store.has(seeded[1].ID) || store.has(seeded[2].ID) {
		t.Error("cascaded records still in store")
	}

	if _, err := c.EditWithCascade(context.Background(), "t1", "missing", "x"); !apperrors.IsNotFound(err) {
		t.Errorf("missing id: got %v, want NotFoundError", err)
	}
	if _, err := c.EditWithCascade(context.Background(), "t1", seeded[0].ID, "   "); !apperrors.IsValidation(err) {
		t.Errorf("blank content: got %v, want ValidationError", err)
	}
}

func TestPersistFailureKeepsViewAuthoritative(t *testing.T) {
	store := newFakeStore()
	store.failPersist = true
	c, bus := newTestCoordinator(store, nil)

	failures := make(chan utils.Event, 1)
	bus.Subscribe("persistence_failed", func(ev utils.Event) {
		select {
		case failures <- ev:
		default:
		}
	})

	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	sent, err := c.Send(context.Background(), "t1", message.AppendInput{Sender: "u1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	c.Flush("t1")

	// The write failed, the view did not roll back.
	msgs, _ := c.Messages("t1")
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("view rolled back: %+v", msgs)
	}
	if store.has(sent.ID) {
		t.Error("store unexpectedly has the record")
	}

	select {
	case ev := <-failures:
		data, ok := ev.Data.(map[string]interface{})
		if !ok || data["message_id"] != sent.ID {
			t.Errorf("failure event data = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no persistence_failed event")
	}
}

func TestConcurrentMutationQueuedAndRejected(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "t1", "question")

	streaming := make(chan struct{})
	release := make(chan struct{})
	script := func(_ context.Context, _ generation.Request, stream *generation.Stream) {
		close(streaming)
		<-release
		stream.Finish(generation.Result{Text: "answer"}, nil)
	}

	c, _ := newTestCoordinator(store, script)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	genDone := make(chan error, 1)
	go func() {
		_, err := c.Generate(context.Background(), "t1")
		genDone <- err
	}()

	select {
	case <-streaming:
	case <-time.After(time.Second):
		t.Fatal("generation never started")
	}

	// A caller unwilling to wait is rejected while the cascade is in flight.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Send(expired, "t1", message.AppendInput{Sender: "u1", Content: "x"}); !apperrors.IsConcurrentMutation(err) {
		t.Errorf("got %v, want ConcurrentMutationError", err)
	}

	// A caller willing to wait queues and runs once the stream finishes.
	sendDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "t1", message.AppendInput{Sender: "u1", Content: "queued"})
		sendDone <- err
	}()

	close(release)
	for _, ch := range []chan error{genDone, sendDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("queued operation failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("operation did not complete after gate release")
		}
	}
}

func TestRegenerateReplacesAssistantTurn(t *testing.T) {
	store := newFakeStore()
	seeded := seedStore(store, "t1", "what is 2+2")
	stale := message.NewMessage("t1", message.AppendInput{
		Sender: message.SenderAssistant, Content: "5",
	}, 2)
	stale.CreatedAt = seeded[0].CreatedAt.Add(time.Minute)
	store.seed(stale)

	var gotHistory []generation.Turn
	script := func(_ context.Context, req generation.Request, stream *generation.Stream) {
		gotHistory = req.History
		stream.Emit(generation.Event{Kind: generation.EventText, Text: "4"})
		stream.Finish(generation.Result{Text: "4"}, nil)
	}
	c, _ := newTestCoordinator(store, script)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	fresh, err := c.Regenerate(context.Background(), "t1", stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Content != "4" || !fresh.FromAssistant() {
		t.Errorf("fresh = %+v", fresh)
	}
	if fresh.ID == stale.ID {
		t.Error("regenerated message must take a fresh id")
	}
	if fresh.Metadata == nil || fresh.Metadata.Provider != "scripted" {
		t.Errorf("metadata = %+v", fresh.Metadata)
	}

	if len(gotHistory) != 1 || gotHistory[0].Content != "what is 2+2" {
		t.Errorf("generation conditioned on %+v, want just the user turn", gotHistory)
	}

	msgs, _ := c.Messages("t1")
	if len(msgs) != 2 || msgs[1].ID != fresh.ID {
		t.Fatalf("view = %+v", msgs)
	}

	c.Flush("t1")
	if store.has(stale.ID) {
		t.Error("stale assistant record still in store")
	}
	if !store.has(fresh.ID) {
		t.Error("fresh assistant record not flushed")
	}
}

func TestRegenerateNeedsPrecedingUserTurn(t *testing.T) {
	store := newFakeStore()
	first := message.NewMessage("t1", message.AppendInput{
		Sender: message.SenderAssistant, Content: "unprompted",
	}, 1)
	store.seed(first)

	c, _ := newTestCoordinator(store, echoScript("x"))
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	_, err := c.Regenerate(context.Background(), "t1", first.ID)
	var regenErr *apperrors.RegenerationError
	if !errors.As(err, &regenErr) {
		t.Fatalf("got %v, want RegenerationError", err)
	}
}

func TestGenerateCancelKeepsPartialAsInterrupted(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "t1", "tell me a story")

	emitted := make(chan struct{})
	script := func(ctx context.Context, _ generation.Request, stream *generation.Stream) {
		stream.Emit(generation.Event{Kind: generation.EventText, Text: "Once upon"})
		close(emitted)
		<-ctx.Done()
		stream.Finish(generation.Result{}, ctx.Err())
	}
	c, _ := newTestCoordinator(store, script)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	defer c.CloseThread("t1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-emitted
		cancel()
	}()

	msg, err := c.Generate(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Interrupted {
		t.Error("cancelled generation must be flagged interrupted")
	}
	if msg.Content != "Once upon" {
		t.Errorf("content = %q, want the partial text", msg.Content)
	}

	c.Flush("t1")
	if !store.has(msg.ID) {
		t.Error("interrupted message not flushed to store")
	}
}

func TestCloseThreadDuringGenerationFlushesCleanly(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "t1", "keep going")

	streaming := make(chan struct{})
	script := func(ctx context.Context, _ generation.Request, stream *generation.Stream) {
		stream.Emit(generation.Event{Kind: generation.EventText, Text: "partial"})
		close(streaming)
		<-ctx.Done()
		stream.Finish(generation.Result{}, ctx.Err())
	}
	c, _ := newTestCoordinator(store, script)
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	// Drop the last reference while the stream is mid-flight, then cancel.
	// The interrupted flush must still land after teardown.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-streaming
		c.CloseThread("t1")
		cancel()
	}()

	msg, err := c.Generate(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Interrupted {
		t.Error("cancelled generation must be flagged interrupted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !store.has(msg.ID) {
		if time.Now().After(deadline) {
			t.Fatal("interrupted message never flushed after the last close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenThreadRefcounting(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "t1", "m0")
	c, _ := newTestCoordinator(store, nil)

	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if err := c.OpenThread(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	c.CloseThread("t1")
	if _, err := c.Messages("t1"); err != nil {
		t.Errorf("view torn down while still referenced: %v", err)
	}

	c.CloseThread("t1")
	if _, err := c.Messages("t1"); !apperrors.IsNotFound(err) {
		t.Errorf("got %v, want NotFoundError after last close", err)
	}
}
