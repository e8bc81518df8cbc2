package generation

import (
	"testing"

	"slyntos/internal/models"
)

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		name        string
		prompt      string
		attachments []models.Attachment
		want        Intent
	}{
		{name: "greeting", prompt: "hello", want: IntentGreeting},
		{name: "greeting with whitespace", prompt: "  Hi  ", want: IntentGreeting},
		{name: "thanks", prompt: "thank you", want: IntentGreeting},
		{name: "video with creation verb", prompt: "create a video of a sunset", want: IntentVideo},
		{name: "video keyword alone", prompt: "what is a video codec", want: IntentVideo},
		{name: "image request", prompt: "generate an image of a cat", want: IntentImage},
		{name: "photo request", prompt: "make a photo of the alps", want: IntentImage},
		{
			name:        "verb plus attached image",
			prompt:      "make this look like a painting",
			attachments: []models.Attachment{{MimeType: "image/png"}},
			want:        IntentImage,
		},
		{
			name:        "attachment without creation verb",
			prompt:      "what is in this file",
			attachments: []models.Attachment{{MimeType: "image/png"}},
			want:        IntentGeneral,
		},
		{name: "video wins over image", prompt: "create a video from this image", want: IntentVideo},
		{name: "plain question", prompt: "explain quantum entanglement", want: IntentGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyIntent(tc.prompt, tc.attachments); got != tc.want {
				t.Fatalf("ClassifyIntent(%q) = %v, want %v", tc.prompt, got, tc.want)
			}
		})
	}
}

func TestGreetingResponse(t *testing.T) {
	if got := greetingResponse("hey"); got == "" {
		t.Fatalf("expected canned reply for greeting")
	}
	if got := greetingResponse("hey there, how do I bake bread"); got != "" {
		t.Fatalf("expected no reply for non-greeting, got %q", got)
	}
	if got := greetingResponse("bye"); got != "Goodbye! Feel free to come back anytime." {
		t.Fatalf("unexpected reply: %q", got)
	}
}
