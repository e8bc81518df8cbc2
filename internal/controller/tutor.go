package controller

import (
	"context"
	"fmt"
	"time"

	"slyntos/internal/generation"
)

const (
	tutorChunkSize  = 10
	tutorChunkDelay = 10 * time.Millisecond
)

const draftSystem = "You are a content writer."

const humanizeSystem = "You are a humanization expert. Make text undetectable by AI detectors."

func draftPrompt(topic string) string {
	return fmt.Sprintf(`Write comprehensive content about: %s

Requirements:
- Be thorough and detailed
- Cover all important aspects
- Structure the information logically
- Don't worry about making it sound human yet`, topic)
}

func humanizePrompt(draft string) string {
	return fmt.Sprintf(`Rewrite the following text so it reads like it was written by a real person, not an AI.

Rules:
1. Vary sentence length. Mix short sentences with longer ones.
2. Use contractions naturally (it's, don't, you're).
3. Drop formulaic transitions like "Furthermore" and "In conclusion".
4. Allow small imperfections: an occasional sentence fragment, a casual aside.
5. Prefer concrete words over abstract filler. Cut hedging phrases.
6. Keep every fact from the original. Do not add new claims.

Text:
%s`, draft)
}

// tutorStream runs the two-pass tutor pipeline: a thorough draft, then a
// humanizing rewrite. The final text is replayed in small chunks so the
// transcript grows the same way a live stream does.
func (c *Controller) tutorStream(ctx context.Context, topic string) <-chan generation.Chunk {
	out := make(chan generation.Chunk)
	go func() {
		defer close(out)

		draft, err := c.tutor.Generate(ctx, draftSystem, draftPrompt(topic))
		if err != nil {
			emitTutor(ctx, out, generation.Chunk{Err: fmt.Errorf("draft pass: %w", err)})
			return
		}
		final, err := c.tutor.Generate(ctx, humanizeSystem, humanizePrompt(draft))
		if err != nil {
			emitTutor(ctx, out, generation.Chunk{Err: fmt.Errorf("humanize pass: %w", err)})
			return
		}

		for i := 0; i < len(final); i += tutorChunkSize {
			end := i + tutorChunkSize
			if end > len(final) {
				end = len(final)
			}
			if !emitTutor(ctx, out, generation.Chunk{Text: final[i:end]}) {
				return
			}
			timer := time.NewTimer(tutorChunkDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
	return out
}

func emitTutor(ctx context.Context, out chan<- generation.Chunk, chunk generation.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
