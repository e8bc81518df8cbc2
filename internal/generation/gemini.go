package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"slyntos/internal/config"
	"slyntos/internal/models"
)

const (
	defaultFastModel  = "gemini-3-flash-preview"
	defaultProModel   = "gemini-3.1-pro-preview"
	defaultImageModel = "gemini-2.5-flash-image"
	defaultVideoModel = "veo-3.1-fast-generate-preview"

	thinkingBudget = 24576
)

// GeminiBackend implements Backend on the Gemini API.
type GeminiBackend struct {
	client     *genai.Client
	apiKey     string
	fastModel  string
	proModel   string
	imageModel string
	videoModel string
	fileBase   string
	httpClient *http.Client
}

// NewGeminiBackend wraps an existing genai client. Downloaded video assets are
// stored under fileBase and exposed as /files handles.
func NewGeminiBackend(client *genai.Client, prov config.ProviderConfig, fileBase string) *GeminiBackend {
	b := &GeminiBackend{
		client:     client,
		apiKey:     prov.APIKey,
		fastModel:  prov.FastModel,
		proModel:   prov.ProModel,
		imageModel: prov.ImageModel,
		videoModel: prov.VideoModel,
		fileBase:   fileBase,
		httpClient: http.DefaultClient,
	}
	if b.fastModel == "" {
		b.fastModel = defaultFastModel
	}
	if b.proModel == "" {
		b.proModel = defaultProModel
	}
	if b.imageModel == "" {
		b.imageModel = defaultImageModel
	}
	if b.videoModel == "" {
		b.videoModel = defaultVideoModel
	}
	return b
}

// StreamText issues a grounded streaming request and forwards every chunk.
func (b *GeminiBackend) StreamText(ctx context.Context, req TextRequest, emit func(delta string, sources []models.Source) error) error {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.Instruction}}},
		Temperature:       genai.Ptr(req.Temperature),
		TopP:              genai.Ptr(req.TopP),
		TopK:              genai.Ptr(float32(req.TopK)),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}

	model := b.proModel
	if req.Lite {
		model = b.fastModel
	}
	if req.Thinking {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(int32(thinkingBudget))}
		model = b.proModel
	}

	contents := buildContents(req.History)
	for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("generate content stream: %w", err)
		}
		if err := emit(resp.Text(), groundingSources(resp)); err != nil {
			return err
		}
	}
	return nil
}

// GenerateImages runs a single image-generation call, passing along any image
// attachments as references, and returns the results base64-encoded.
func (b *GeminiBackend) GenerateImages(ctx context.Context, prompt string, refs []models.Attachment) ([]string, error) {
	parts := []*genai.Part{{Text: prompt}}
	for _, ref := range refs {
		if ref.IsImage() {
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: ref.MimeType, Data: ref.Data},
			})
		}
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.imageModel,
		[]*genai.Content{{Role: genai.RoleUser, Parts: parts}}, nil)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("empty image response")
	}

	var images []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil {
			images = append(images, base64.StdEncoding.EncodeToString(part.InlineData.Data))
		}
	}
	return images, nil
}

// StartVideo kicks off a long-running video job.
func (b *GeminiBackend) StartVideo(ctx context.Context, prompt, aspectRatio string) (*VideoOperation, error) {
	op, err := b.client.Models.GenerateVideos(ctx, b.videoModel, prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    aspectRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("generate videos: %w", err)
	}
	return wrapVideoOperation(op), nil
}

// PollVideo refreshes the job state.
func (b *GeminiBackend) PollVideo(ctx context.Context, op *VideoOperation) (*VideoOperation, error) {
	raw, ok := op.Raw.(*genai.GenerateVideosOperation)
	if !ok {
		return nil, errors.New("unexpected video operation type")
	}
	updated, err := b.client.Operations.GetVideosOperation(ctx, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("get videos operation: %w", err)
	}
	return wrapVideoOperation(updated), nil
}

// FetchVideo downloads the finished asset into the file base and returns the
// locally playable handle.
func (b *GeminiBackend) FetchVideo(ctx context.Context, rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("parse video uri: %w", err)
	}
	q := u.Query()
	q.Set("key", b.apiKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build video request: %w", err)
	}
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download video: status %d", resp.StatusCode)
	}

	dir := filepath.Join(b.fileBase, "videos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create video dir: %w", err)
	}
	name := uuid.NewString() + ".mp4"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("write video file: %w", err)
	}
	return "/files/videos/" + name, nil
}

func wrapVideoOperation(op *genai.GenerateVideosOperation) *VideoOperation {
	wrapped := &VideoOperation{Done: op.Done, Raw: op}
	if op.Done && op.Response != nil && len(op.Response.GeneratedVideos) > 0 {
		if v := op.Response.GeneratedVideos[0].Video; v != nil {
			wrapped.URI = v.URI
		}
	}
	return wrapped
}

func buildContents(history []models.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		if msg.Role == models.RoleUser {
			for _, a := range msg.Attachments {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: a.MimeType, Data: a.Data},
				})
			}
		}
		if len(parts) == 0 {
			parts = append(parts, &genai.Part{Text: ""})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func groundingSources(resp *genai.GenerateContentResponse) []models.Source {
	if len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var sources []models.Source
	for _, gc := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if gc.Web != nil && gc.Web.URI != "" && gc.Web.Title != "" {
			sources = append(sources, models.Source{URI: gc.Web.URI, Title: gc.Web.Title})
		}
	}
	return sources
}
