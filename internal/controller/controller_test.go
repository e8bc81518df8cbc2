package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slyntos/internal/cache"
	"slyntos/internal/generation"
	"slyntos/internal/models"
)

type fakeGen struct {
	mu     sync.Mutex
	calls  int
	script func(call int, ctx context.Context, out chan<- generation.Chunk)
}

func (g *fakeGen) Stream(ctx context.Context, history []models.Message, instruction string, ws models.Workspace, opts generation.Options) <-chan generation.Chunk {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	out := make(chan generation.Chunk)
	go func() {
		defer close(out)
		if g.script != nil {
			g.script(call, ctx, out)
		}
	}()
	return out
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type memSessions struct {
	mu   sync.Mutex
	last *models.ChatSession
	puts int
}

func (m *memSessions) Put(ctx context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.last = session.Clone()
	return nil
}

func (m *memSessions) snapshot() *models.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	return m.last.Clone()
}

type fakeUsage struct {
	count int32
}

func (u *fakeUsage) IncrementUsage(ctx context.Context, userID int64, ws models.Workspace) error {
	atomic.AddInt32(&u.count, 1)
	return nil
}

type fakeTutor struct {
	mu      sync.Mutex
	prompts []string
	outputs []string
}

func (f *fakeTutor) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if len(f.outputs) == 0 {
		return "", errors.New("no scripted output")
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, nil
}

type testRig struct {
	ctrl     *Controller
	gen      *fakeGen
	sessions *memSessions
	usage    *fakeUsage
	tutor    *fakeTutor
	now      time.Time
	nowMu    sync.Mutex
}

func newRig(t *testing.T, ws models.Workspace) *testRig {
	t.Helper()
	rig := &testRig{
		gen:      &fakeGen{},
		sessions: &memSessions{},
		usage:    &fakeUsage{},
		tutor:    &fakeTutor{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.ctrl = New(1, ws, Deps{
		Generator: rig.gen,
		Tutor:     rig.tutor,
		Sessions:  rig.sessions,
		Usage:     rig.usage,
		Cache:     cache.New(time.Minute, 10),
		Now: func() time.Time {
			rig.nowMu.Lock()
			defer rig.nowMu.Unlock()
			return rig.now
		},
	})
	rig.ctrl.SetSession(&models.ChatSession{
		ID:        "sess-1",
		UserID:    1,
		Workspace: ws,
		Title:     "New Mission",
		CreatedAt: rig.now,
	})
	return rig
}

func (r *testRig) advance(d time.Duration) {
	r.nowMu.Lock()
	defer r.nowMu.Unlock()
	r.now = r.now.Add(d)
}

func testUser() *models.User {
	return &models.User{ID: 1, Username: "alice", Plan: models.PlanStarter}
}

func waitDone(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before terminal event")
			}
			if event.Done {
				return event
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for terminal event")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSubmitStreamsIntoSingleAssistantMessage(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	rig.gen.script = func(call int, ctx context.Context, out chan<- generation.Chunk) {
		out <- generation.Chunk{Text: "Hello"}
		out <- generation.Chunk{Text: " **world**", Sources: []models.Source{{URI: "https://a", Title: "A"}}}
	}
	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()

	accepted, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "tell me about go maps please now"})
	if err != nil || !accepted {
		t.Fatalf("Submit: accepted=%v err=%v", accepted, err)
	}

	final := waitDone(t, events)
	if final.Status != StatusCompleted {
		t.Fatalf("unexpected terminal status: %s", final.Status)
	}
	msgs := final.Session.Messages
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "tell me about go maps please now" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello world" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if len(msgs[1].Sources) != 1 {
		t.Fatalf("sources not merged: %+v", msgs[1].Sources)
	}
	// Title comes from the first five words of the first input.
	if final.Session.Title != "tell me about go maps" {
		t.Fatalf("unexpected title: %q", final.Session.Title)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&rig.usage.count) == 1 })
	if rig.ctrl.State() != StateIdle {
		t.Fatalf("controller should be idle")
	}
}

func TestSubmitRejectsEmptyAndDebounces(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	rig.gen.script = func(call int, ctx context.Context, out chan<- generation.Chunk) {
		out <- generation.Chunk{Text: "ok"}
	}

	accepted, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "   "})
	if err != nil || accepted {
		t.Fatalf("empty submission must be a silent no-op: accepted=%v err=%v", accepted, err)
	}

	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()
	accepted, err = rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "first"})
	if err != nil || !accepted {
		t.Fatalf("Submit: accepted=%v err=%v", accepted, err)
	}
	waitDone(t, events)

	// Within the debounce window the repeat is absorbed.
	rig.advance(100 * time.Millisecond)
	accepted, _ = rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "second"})
	if accepted {
		t.Fatalf("expected debounce to absorb the repeat")
	}

	rig.advance(time.Second)
	events2, unsubscribe2 := rig.ctrl.Subscribe()
	defer unsubscribe2()
	accepted, _ = rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "third"})
	if !accepted {
		t.Fatalf("expected submission after the window to pass")
	}
	waitDone(t, events2)
	if n := rig.gen.callCount(); n != 2 {
		t.Fatalf("expected 2 generator calls, got %d", n)
	}
}

func TestSubmitQuotaWarning(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()

	user := testUser()
	user.Usage.Global = user.Plan.DailyLimit()
	accepted, err := rig.ctrl.Submit(context.Background(), user, SubmitRequest{Input: "one more question"})
	if err != nil || !accepted {
		t.Fatalf("Submit: accepted=%v err=%v", accepted, err)
	}

	final := waitDone(t, events)
	if final.Status != StatusQuota {
		t.Fatalf("unexpected status: %s", final.Status)
	}
	msgs := final.Session.Messages
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("expected single warning message, got %+v", msgs)
	}
	want := fmt.Sprintf("⚠️ **Daily Limit Reached (%d/%d)**", user.Plan.DailyLimit(), user.Plan.DailyLimit())
	if !strings.HasPrefix(msgs[0].Content, want) {
		t.Fatalf("unexpected warning: %q", msgs[0].Content)
	}
	if rig.gen.callCount() != 0 {
		t.Fatalf("quota-limited submission must not reach the generator")
	}
	if atomic.LoadInt32(&rig.usage.count) != 0 {
		t.Fatalf("quota-limited submission must not count as usage")
	}
}

func TestSubmitCacheHit(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	rig.gen.script = func(call int, ctx context.Context, out chan<- generation.Chunk) {
		out <- generation.Chunk{Text: "fresh answer"}
	}

	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "what is a slice"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, events)

	rig.advance(time.Second)
	events2, unsubscribe2 := rig.ctrl.Subscribe()
	defer unsubscribe2()
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "what is a slice"}); err != nil {
		t.Fatalf("Submit repeat: %v", err)
	}
	final := waitDone(t, events2)
	if final.Status != StatusCacheHit {
		t.Fatalf("expected cache hit, got %s", final.Status)
	}
	last := final.Session.Messages[len(final.Session.Messages)-1]
	if last.Content != "fresh answer" {
		t.Fatalf("unexpected cached content: %q", last.Content)
	}
	if n := rig.gen.callCount(); n != 1 {
		t.Fatalf("expected 1 generator call, got %d", n)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&rig.usage.count) == 2 })
}

func TestSuccessorCancelsPredecessor(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	firstStarted := make(chan struct{})
	rig.gen.script = func(call int, ctx context.Context, out chan<- generation.Chunk) {
		if call == 1 {
			out <- generation.Chunk{Text: "partial answer that will be discarded"}
			close(firstStarted)
			<-ctx.Done()
			return
		}
		out <- generation.Chunk{Text: "second answer"}
	}

	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "first question"}); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-firstStarted
	// Wait for the partial assistant message to be committed.
	waitFor(t, func() bool {
		s := rig.sessions.snapshot()
		return s != nil && len(s.Messages) == 2
	})

	rig.advance(time.Second)
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "second question"}); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	final := waitDone(t, events)
	if final.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", final.Status)
	}

	msgs := final.Session.Messages
	if len(msgs) != 3 {
		t.Fatalf("expected [user, user, assistant], got %d messages", len(msgs))
	}
	if msgs[0].Content != "first question" || msgs[1].Content != "second question" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}
	if msgs[2].Content != "second answer" {
		t.Fatalf("predecessor output leaked into transcript: %q", msgs[2].Content)
	}
}

func TestStreamErrorAppendsFailureMessage(t *testing.T) {
	rig := newRig(t, models.WorkspaceGeneral)
	rig.gen.script = func(call int, ctx context.Context, out chan<- generation.Chunk) {
		out <- generation.Chunk{Text: "part"}
		out <- generation.Chunk{Err: errors.New("backend exploded")}
	}

	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "doomed question"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, events)
	if final.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", final.Status)
	}
	msgs := final.Session.Messages
	last := msgs[len(msgs)-1]
	if last.Content != "Error: backend exploded" {
		t.Fatalf("unexpected failure message: %q", last.Content)
	}
	// The user message survives the failure.
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "doomed question" {
		t.Fatalf("user message lost: %+v", msgs)
	}
	if atomic.LoadInt32(&rig.usage.count) != 0 {
		t.Fatalf("failed request must not count as usage")
	}
}

func TestTutorTwoPassPipeline(t *testing.T) {
	rig := newRig(t, models.WorkspaceTutor)
	rig.tutor.outputs = []string{"ROUGH DRAFT", "The final humanized essay text."}

	events, unsubscribe := rig.ctrl.Subscribe()
	defer unsubscribe()
	if _, err := rig.ctrl.Submit(context.Background(), testUser(), SubmitRequest{Input: "photosynthesis"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, events)
	if final.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", final.Status)
	}
	last := final.Session.Messages[len(final.Session.Messages)-1]
	if last.Content != "The final humanized essay text." {
		t.Fatalf("unexpected tutor output: %q", last.Content)
	}

	rig.tutor.mu.Lock()
	prompts := append([]string(nil), rig.tutor.prompts...)
	rig.tutor.mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 passes, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "photosynthesis") {
		t.Fatalf("draft pass missing topic: %q", prompts[0])
	}
	if !strings.Contains(prompts[1], "ROUGH DRAFT") {
		t.Fatalf("humanize pass missing draft: %q", prompts[1])
	}
	if rig.gen.callCount() != 0 {
		t.Fatalf("tutor submissions must bypass the streaming generator")
	}
}
