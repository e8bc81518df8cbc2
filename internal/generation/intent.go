package generation

import (
	"regexp"
	"strings"

	"slyntos/internal/models"
)

// Intent classifies a free-text prompt before any network call. Classification
// is ordered; the first match wins.
type Intent int

const (
	IntentGeneral Intent = iota
	IntentGreeting
	IntentVideo
	IntentImage
)

type greetingPattern struct {
	pattern  *regexp.Regexp
	response string
}

var greetingPatterns = []greetingPattern{
	{regexp.MustCompile(`(?i)^(hi|hello|hey|greetings|sup|yo)\s*$`), "Hi! How can I help you today?"},
	{regexp.MustCompile(`(?i)^(how are you|howdy|what's up)\s*$`), "I'm doing great! Ready to help you."},
	{regexp.MustCompile(`(?i)^(thanks|thank you|thx)\s*$`), "You're welcome! Happy to help."},
	{regexp.MustCompile(`(?i)^(bye|goodbye|see you)\s*$`), "Goodbye! Feel free to come back anytime."},
}

var videoKeywords = keywordSet(
	"generate", "create", "make", "video", "animation", "render", "clip", "movie", "film",
)

var imageKeywords = keywordSet(
	"generate", "create", "make", "draw", "image", "photo", "picture", "style",
	"painting", "sketch", "cartoon", "anime", "logo", "render", "blueprint", "portrait",
)

func keywordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// normalizePrompt lowercases and trims a prompt for intent matching and
// client-side cache keys.
func normalizePrompt(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// greetingResponse returns the canned reply for a greeting prompt, or "".
func greetingResponse(text string) string {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	switch trimmed {
	case "hi", "hello", "hey":
		return "Hi! How can I help you today?"
	}
	for _, g := range greetingPatterns {
		if g.pattern.MatchString(trimmed) {
			return g.response
		}
	}
	return ""
}

func containsKeyword(text string, set map[string]struct{}) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if _, ok := set[word]; ok {
			return true
		}
	}
	return false
}

// ClassifyIntent resolves the prompt to an intent, consulting attachments for
// the image case: an attached image plus a creation verb is an image request
// even without an image noun.
func ClassifyIntent(prompt string, attachments []models.Attachment) Intent {
	lowered := strings.ToLower(prompt)
	if greetingResponse(lowered) != "" {
		return IntentGreeting
	}
	if containsKeyword(lowered, videoKeywords) && strings.Contains(lowered, "video") {
		return IntentVideo
	}
	hasImageFile := false
	for _, a := range attachments {
		if a.IsImage() {
			hasImageFile = true
			break
		}
	}
	if containsKeyword(lowered, imageKeywords) &&
		(strings.Contains(lowered, "image") || strings.Contains(lowered, "photo") || hasImageFile) {
		return IntentImage
	}
	return IntentGeneral
}
