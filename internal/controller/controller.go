// Package controller owns per-conversation state and the request lifecycle:
// debounce, quota gating, response caching, cancellation, and folding streamed
// chunks into a committed transcript.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"slyntos/internal/cache"
	"slyntos/internal/generation"
	"slyntos/internal/models"
	"slyntos/internal/workspace"
)

const (
	// Repeat submissions inside this window are absorbed as UI double-fires.
	debounceWindow = 500 * time.Millisecond

	// Responses shorter than this are memoized in the response cache.
	responseCacheLimit = 500
)

const formattingInstruction = `
Format your responses with clear structure:
- Use ## for main headings (they will appear as bold titles)
- Use **bold** for key points within sections
- Use bullet points (•) for listing items under headings
- Each bullet point should be on its own line
- Headings and their content should be on separate lines
- Never put a heading and its explanation on the same line
- Use paragraphs for longer explanations when needed
`

// State is the controller's submission state. Only one non-idle submission is
// active per controller; a successor cancels its predecessor.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

// Status tags a published event with the submission outcome.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCacheHit  Status = "cache_hit"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusQuota     Status = "quota_exceeded"
)

// Event carries a committed session snapshot to subscribers. Done marks the
// terminal event of a submission.
type Event struct {
	Session *models.ChatSession `json:"session"`
	Status  Status              `json:"status"`
	Done    bool                `json:"done"`
}

// Generator streams normalized chunks for a transcript.
type Generator interface {
	Stream(ctx context.Context, history []models.Message, instruction string, ws models.Workspace, opts generation.Options) <-chan generation.Chunk
}

// TextGenerator runs a single non-streaming generation pass.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// SessionCommitter persists committed sessions.
type SessionCommitter interface {
	Put(ctx context.Context, session *models.ChatSession) error
}

// UsageRecorder bumps the per-workspace and global daily counters.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, userID int64, ws models.Workspace) error
}

// Deps bundles the controller's collaborators. Cache and Now are optional.
type Deps struct {
	Generator Generator
	Tutor     TextGenerator
	Sessions  SessionCommitter
	Usage     UsageRecorder
	Cache     *cache.Cache
	Log       *zap.Logger
	Now       func() time.Time
}

// SubmitRequest is one user submission.
type SubmitRequest struct {
	Input               string
	Attachments         []models.Attachment
	OverrideInstruction string
	Thinking            bool
	Lite                bool
	AspectRatio         string
}

type submission struct {
	// Transcript including this submission's user message but not its
	// assistant message. Rolled back to when a successor cancels us.
	base []models.Message
}

// Controller drives submissions for one (user, workspace) conversation view.
type Controller struct {
	userID int64
	ws     models.Workspace

	gen       Generator
	tutor     TextGenerator
	sessions  SessionCommitter
	usage     UsageRecorder
	respCache *cache.Cache
	log       *zap.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        State
	session      *models.ChatSession
	lastAccepted time.Time
	cancel       context.CancelFunc
	active       *submission

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New builds a controller for the given user and workspace.
func New(userID int64, ws models.Workspace, deps Deps) *Controller {
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.DefaultTTL, cache.DefaultMaxEntries)
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		userID:    userID,
		ws:        ws,
		gen:       deps.Generator,
		tutor:     deps.Tutor,
		sessions:  deps.Sessions,
		usage:     deps.Usage,
		respCache: deps.Cache,
		log:       deps.Log,
		now:       deps.Now,
		subs:      make(map[int]chan Event),
	}
}

// SetSession selects the active session, cancelling any in-flight submission.
func (c *Controller) SetSession(session *models.ChatSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelActiveLocked()
	c.session = session
	c.lastAccepted = time.Time{}
}

// Session returns a snapshot of the active session.
func (c *Controller) Session() *models.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Clone()
}

// State reports the current submission state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close cancels any in-flight submission and drops subscribers.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelActiveLocked()
	c.mu.Unlock()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}

// Subscribe registers for committed-session events. The returned function
// unsubscribes.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 32)
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

// Submit turns user input into a committed transcript update. Empty
// submissions and debounced repeats are silent no-ops, reported by the false
// return; a user at the daily limit gets a warning message appended instead
// of a generation request.
func (c *Controller) Submit(ctx context.Context, user *models.User, req SubmitRequest) (bool, error) {
	input := strings.TrimSpace(req.Input)

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return false, errors.New("no active session")
	}
	if input == "" && len(req.Attachments) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	now := c.now()
	if !c.lastAccepted.IsZero() && now.Sub(c.lastAccepted) < debounceWindow {
		c.mu.Unlock()
		return false, nil
	}

	limit := user.Plan.DailyLimit()
	if user.Usage.Global >= limit {
		warning := models.Message{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("⚠️ **Daily Limit Reached (%d/%d)**\nYou have used all your requests for today. Please upgrade to get more.", limit, limit),
		}
		c.session.Messages = append(c.session.Messages, warning)
		snapshot := c.session.Clone()
		c.mu.Unlock()
		if err := c.sessions.Put(ctx, snapshot); err != nil {
			return false, fmt.Errorf("commit quota warning: %w", err)
		}
		c.publish(Event{Session: snapshot, Status: StatusQuota, Done: true})
		return true, nil
	}

	// Supersede any in-flight submission: cancel it and drop its partial
	// assistant output from the transcript.
	c.cancelActiveLocked()
	c.lastAccepted = now

	userMsg := models.Message{Role: models.RoleUser, Content: input, Attachments: req.Attachments}
	if len(c.session.Messages) == 0 {
		c.session.Title = models.TitleFromInput(input)
	}
	base := make([]models.Message, 0, len(c.session.Messages)+1)
	base = append(base, c.session.Messages...)
	base = append(base, userMsg)
	c.session.Messages = base
	snapshot := c.session.Clone()
	c.mu.Unlock()

	// The user message is committed before any network activity so the
	// input survives a failed generation.
	if err := c.sessions.Put(ctx, snapshot); err != nil {
		return false, fmt.Errorf("commit user message: %w", err)
	}
	c.publish(Event{Session: snapshot, Status: StatusStreaming})

	cacheKey := fmt.Sprintf("%s-%s-%t", input, c.ws, req.Thinking)
	if cached, ok := c.respCache.Get(cacheKey); ok {
		return true, c.commitCacheHit(ctx, user, base, cached)
	}

	instruction := req.OverrideInstruction
	if instruction == "" {
		instruction = workspace.SystemInstruction(c.ws) + formattingInstruction
	}
	opts := generation.Options{
		Thinking:    req.Thinking,
		Lite:        req.Lite,
		AspectRatio: req.AspectRatio,
	}
	c.mu.Lock()
	if c.session.Params != nil {
		opts.Params = c.session.Params
	} else if user.Params != nil {
		opts.Params = user.Params
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sub := &submission{base: base}
	c.state = StateStreaming
	c.cancel = cancel
	c.active = sub
	c.mu.Unlock()

	go c.runStream(streamCtx, sub, user, input, instruction, opts, cacheKey)
	return true, nil
}

func (c *Controller) commitCacheHit(ctx context.Context, user *models.User, base []models.Message, cached string) error {
	assistant := models.Message{Role: models.RoleAssistant, Content: cached}
	c.mu.Lock()
	c.session.Messages = append(base[:len(base):len(base)], assistant)
	snapshot := c.session.Clone()
	c.mu.Unlock()
	if err := c.sessions.Put(ctx, snapshot); err != nil {
		return fmt.Errorf("commit cached response: %w", err)
	}
	c.publish(Event{Session: snapshot, Status: StatusCacheHit, Done: true})
	if err := c.usage.IncrementUsage(ctx, user.ID, c.ws); err != nil {
		c.log.Warn("increment usage", zap.Error(err))
	}
	return nil
}

func (c *Controller) runStream(ctx context.Context, sub *submission, user *models.User, input, instruction string, opts generation.Options, cacheKey string) {
	var ch <-chan generation.Chunk
	if c.ws == models.WorkspaceTutor && c.tutor != nil {
		ch = c.tutorStream(ctx, input)
	} else {
		ch = c.gen.Stream(ctx, sub.base, instruction, c.ws, opts)
	}

	var (
		full    string
		sources []models.Source
		images  []string
		video   string
		script  json.RawMessage
	)

	for {
		select {
		case <-ctx.Done():
			// Cancelled: drop silently, no error message, no cache write.
			c.finish(sub, StatusCancelled, nil)
			return
		case chunk, ok := <-ch:
			if !ok {
				if len(full) < responseCacheLimit {
					c.respCache.Set(cacheKey, full)
				}
				snapshot := c.finish(sub, StatusCompleted, nil)
				if snapshot != nil {
					c.publish(Event{Session: snapshot, Status: StatusCompleted, Done: true})
				}
				if err := c.usage.IncrementUsage(context.Background(), user.ID, c.ws); err != nil {
					c.log.Warn("increment usage", zap.Error(err))
				}
				return
			}
			if ctx.Err() != nil {
				// A chunk already in flight when cancellation fired is
				// delivered but discarded.
				c.finish(sub, StatusCancelled, nil)
				return
			}
			if chunk.Err != nil {
				failure := models.Message{
					Role:    models.RoleAssistant,
					Content: "Error: " + chunk.Err.Error(),
				}
				snapshot := c.finish(sub, StatusFailed, &failure)
				if snapshot != nil {
					if err := c.sessions.Put(context.Background(), snapshot); err != nil {
						c.log.Warn("commit failure message", zap.Error(err))
					}
					c.publish(Event{Session: snapshot, Status: StatusFailed, Done: true})
				}
				return
			}

			full += chunk.Text
			sources = append(sources, chunk.Sources...)
			images = append(images, chunk.Images...)
			if chunk.VideoURL != "" {
				video = chunk.VideoURL
			}
			if len(chunk.VideoScript) > 0 {
				script = chunk.VideoScript
			}
			assistant := models.Message{
				Role:        models.RoleAssistant,
				Content:     NormalizeMarkdown(full),
				Sources:     sources,
				Images:      images,
				VideoURL:    video,
				VideoScript: script,
			}
			c.mergeAssistant(ctx, sub, assistant)
		}
	}
}

// mergeAssistant replaces the in-progress assistant message in place so the
// transcript shows exactly one growing message per request.
func (c *Controller) mergeAssistant(ctx context.Context, sub *submission, assistant models.Message) {
	c.mu.Lock()
	if c.active != sub || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.session.Messages = append(sub.base[:len(sub.base):len(sub.base)], assistant)
	snapshot := c.session.Clone()
	c.mu.Unlock()

	if err := c.sessions.Put(ctx, snapshot); err != nil {
		c.log.Warn("commit session", zap.Error(err))
		return
	}
	c.publish(Event{Session: snapshot, Status: StatusStreaming})
}

// finish closes out a submission if it is still the active one. An optional
// final message is appended onto the submission's base transcript; the
// returned snapshot is nil when the submission was superseded.
func (c *Controller) finish(sub *submission, status Status, final *models.Message) *models.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != sub {
		return nil
	}
	if status == StatusCancelled {
		// Roll the transcript back to the committed user message.
		c.session.Messages = sub.base
	}
	if final != nil {
		c.session.Messages = append(sub.base[:len(sub.base):len(sub.base)], *final)
	}
	c.active = nil
	c.cancel = nil
	c.state = StateIdle
	if status == StatusCancelled {
		return nil
	}
	return c.session.Clone()
}

func (c *Controller) cancelActiveLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.active != nil && c.session != nil {
		c.session.Messages = c.active.base
		c.active = nil
	}
	c.state = StateIdle
}

func (c *Controller) publish(event Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			// Slow subscribers drop events rather than block streaming.
		}
	}
}
