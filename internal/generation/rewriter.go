package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Rewriter runs single-shot text generation passes, used by the tutor
// pipeline to expand and then rewrite content outside the grounded streaming
// path.
type Rewriter struct {
	chatModel model.ToolCallingChatModel
}

// NewRewriter builds a rewriter on top of the shared genai client.
func NewRewriter(ctx context.Context, client *genai.Client, modelName string) (*Rewriter, error) {
	if modelName == "" {
		modelName = defaultFastModel
	}
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return &Rewriter{chatModel: chatModel}, nil
}

// Generate streams one completion for the system/prompt pair and returns the
// concatenated text.
func (r *Rewriter) Generate(ctx context.Context, system, prompt string) (string, error) {
	streamReader, err := r.chatModel.Stream(ctx, []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate stream: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("recv chunk: %w", err)
		}
		full.WriteString(chunk.Content)
	}
	return full.String(), nil
}
