// Package generation adapts the hosted generative-AI backend into a uniform
// stream of chunks. Prompts are classified before any network call so cheap
// cases (greetings, cached responses) short-circuit.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slyntos/internal/cache"
	"slyntos/internal/models"
)

// ErrVideoTimeout is returned when a video job exceeds the polling budget.
var ErrVideoTimeout = errors.New("video generation timed out")

// Chunk is one incremental unit of streamed output. A chunk may carry any
// combination of fields; a non-nil Err terminates the sequence.
type Chunk struct {
	Text        string
	Sources     []models.Source
	Images      []string
	VideoURL    string
	VideoScript json.RawMessage
	Err         error
}

// Options selects model and sampling behavior for one request.
type Options struct {
	Thinking    bool
	Lite        bool
	AspectRatio string
	Params      *models.GenParams
}

// TextRequest is a fully resolved streaming text request.
type TextRequest struct {
	History     []models.Message
	Instruction string
	Temperature float32
	TopP        float32
	TopK        int32
	Thinking    bool
	Lite        bool
}

// VideoOperation is the client-side view of a long-running video job.
type VideoOperation struct {
	Done bool
	URI  string
	Raw  any
}

// Backend is the transport to the generative API. It is an interface so tests
// can substitute a fake without network access.
type Backend interface {
	StreamText(ctx context.Context, req TextRequest, emit func(delta string, sources []models.Source) error) error
	GenerateImages(ctx context.Context, prompt string, refs []models.Attachment) ([]string, error)
	StartVideo(ctx context.Context, prompt, aspectRatio string) (*VideoOperation, error)
	PollVideo(ctx context.Context, op *VideoOperation) (*VideoOperation, error)
	FetchVideo(ctx context.Context, uri string) (string, error)
}

const (
	// Responses shorter than this are memoized for instant replies.
	shortResponseLimit = 200

	defaultVideoPollInterval = 5 * time.Second
	defaultVideoMaxAttempts  = 60
)

// Client drives the backend and normalizes its output.
type Client struct {
	backend Backend
	cache   *cache.Cache
	log     *zap.Logger

	videoPollInterval time.Duration
	videoMaxAttempts  int
}

// NewClient builds a generation client. The response cache is injected so
// callers control its scope and tests can assert on it.
func NewClient(backend Backend, respCache *cache.Cache, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if respCache == nil {
		respCache = cache.New(cache.DefaultTTL, cache.DefaultMaxEntries)
	}
	return &Client{
		backend:           backend,
		cache:             respCache,
		log:               log,
		videoPollInterval: defaultVideoPollInterval,
		videoMaxAttempts:  defaultVideoMaxAttempts,
	}
}

// Stream turns the transcript into a lazy, finite sequence of chunks. The
// channel closes when generation completes; cancelling ctx abandons it.
func (c *Client) Stream(ctx context.Context, history []models.Message, instruction string, ws models.Workspace, opts Options) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		c.run(ctx, out, history, instruction, ws, opts)
	}()
	return out
}

func (c *Client) run(ctx context.Context, out chan<- Chunk, history []models.Message, instruction string, ws models.Workspace, opts Options) {
	last := lastUserMessage(history)
	if last == nil {
		send(ctx, out, Chunk{Text: "How can I help you?"})
		return
	}
	prompt := normalizePrompt(last.Content)

	cacheKey := fmt.Sprintf("%s-%s-%t-%t", prompt, ws, opts.Thinking, opts.Lite)
	if cached, ok := c.cache.Get(cacheKey); ok {
		send(ctx, out, Chunk{Text: cached})
		return
	}

	if reply := greetingResponse(prompt); reply != "" {
		c.cache.Set(cacheKey, reply)
		send(ctx, out, Chunk{Text: reply})
		return
	}

	switch ClassifyIntent(prompt, last.Attachments) {
	case IntentVideo:
		c.runVideo(ctx, out, last.Content, opts)
		return
	case IntentImage:
		c.runImage(ctx, out, last.Content, last.Attachments)
		return
	}

	c.runText(ctx, out, history, instruction, ws, opts, cacheKey)
}

func (c *Client) runText(ctx context.Context, out chan<- Chunk, history []models.Message, instruction string, ws models.Workspace, opts Options, cacheKey string) {
	req := TextRequest{
		History:     history,
		Instruction: instruction,
		Temperature: defaultTemperature(ws),
		TopP:        0.9,
		TopK:        32,
		Thinking:    opts.Thinking,
		Lite:        opts.Lite,
	}
	if p := opts.Params; p != nil {
		req.Temperature = p.Temperature
		req.TopP = p.TopP
		req.TopK = p.TopK
		if p.SystemOverride != "" {
			req.Instruction = p.SystemOverride
		}
	}

	var full string
	err := c.backend.StreamText(ctx, req, func(delta string, sources []models.Source) error {
		full += delta
		return sendErr(ctx, out, Chunk{Text: delta, Sources: sources})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(ctx, out, Chunk{Err: err})
		return
	}
	if len(full) < shortResponseLimit {
		c.cache.Set(cacheKey, full)
	}
}

func (c *Client) runVideo(ctx context.Context, out chan<- Chunk, prompt string, opts Options) {
	if !send(ctx, out, Chunk{Text: "Starting your video generation..."}) {
		return
	}
	aspect := "16:9"
	if opts.AspectRatio == "9:16" {
		aspect = "9:16"
	}

	url, err := c.generateVideo(ctx, prompt, aspect)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(ctx, out, Chunk{Text: fmt.Sprintf("\n\nSorry, there was an error: %v", err)})
		return
	}
	send(ctx, out, Chunk{Text: "Your video is ready!", VideoURL: url})
}

// generateVideo runs the long-running job: start, poll at a fixed interval up
// to a bounded number of attempts, then resolve the remote asset to a locally
// playable handle.
func (c *Client) generateVideo(ctx context.Context, prompt, aspect string) (string, error) {
	op, err := c.backend.StartVideo(ctx, prompt, aspect)
	if err != nil {
		return "", fmt.Errorf("start video job: %w", err)
	}

	attempts := 0
	for !op.Done && attempts < c.videoMaxAttempts {
		if err := sleep(ctx, c.videoPollInterval); err != nil {
			return "", err
		}
		op, err = c.backend.PollVideo(ctx, op)
		if err != nil {
			return "", fmt.Errorf("poll video job: %w", err)
		}
		attempts++
		if attempts%3 == 0 {
			elapsed := attempts * int(c.videoPollInterval.Seconds())
			c.log.Info("video generation in progress", zap.Int("elapsed_seconds", elapsed))
		}
	}
	if !op.Done {
		return "", ErrVideoTimeout
	}
	if op.URI == "" {
		return "", errors.New("could not find the video link")
	}
	url, err := c.backend.FetchVideo(ctx, op.URI)
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	return url, nil
}

func (c *Client) runImage(ctx context.Context, out chan<- Chunk, prompt string, refs []models.Attachment) {
	if !send(ctx, out, Chunk{Text: "Creating your image..."}) {
		return
	}
	images, err := c.backend.GenerateImages(ctx, prompt, refs)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(ctx, out, Chunk{Text: fmt.Sprintf("\n\nSorry, there was an error: %v", err)})
		return
	}
	send(ctx, out, Chunk{Text: "Here is your image:", Images: images})
}

func defaultTemperature(ws models.Workspace) float32 {
	if ws == models.WorkspaceTutor {
		return 0.9
	}
	return 0.4
}

func lastUserMessage(history []models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return &history[i]
		}
	}
	return nil
}

func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendErr(ctx context.Context, out chan<- Chunk, chunk Chunk) error {
	if !send(ctx, out, chunk) {
		return ctx.Err()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
