package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Workspace selects a conversation mode. Each workspace has its own system
// prompt and session list.
type Workspace string

const (
	WorkspaceGeneral        Workspace = "general"
	WorkspaceTutor          Workspace = "tutor"
	WorkspaceWebsiteBuilder Workspace = "website-builder"
	WorkspaceVideoStudio    Workspace = "video-studio"
	WorkspaceEnterprise     Workspace = "enterprise"
)

// Workspaces lists every workspace in display order.
var Workspaces = []Workspace{
	WorkspaceGeneral,
	WorkspaceTutor,
	WorkspaceWebsiteBuilder,
	WorkspaceVideoStudio,
	WorkspaceEnterprise,
}

// Valid reports whether ws names a known workspace.
func (ws Workspace) Valid() bool {
	for _, w := range Workspaces {
		if w == ws {
			return true
		}
	}
	return false
}

// Source is a web citation attached to an assistant message when
// search-grounded generation was used.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Attachment is a user-supplied file carried inline with a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data"`
}

// IsImage reports whether the attachment carries image data.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is one transcript entry. Messages are immutable once appended
// except for the video-handle backfill on asynchronous video completion.
type Message struct {
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Images      []string        `json:"images,omitempty"`
	VideoURL    string          `json:"video_url,omitempty"`
	VideoScript json.RawMessage `json:"video_script,omitempty"`
	Sources     []Source        `json:"sources,omitempty"`
}

// GenParams overrides the default sampling parameters for a session or user.
type GenParams struct {
	Temperature    float32 `json:"temperature"`
	TopP           float32 `json:"top_p"`
	TopK           int32   `json:"top_k"`
	SystemOverride string  `json:"system_override,omitempty"`
}

// ChatSession is one saved conversation thread, scoped to a user and a
// workspace.
type ChatSession struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	Workspace Workspace  `json:"workspace"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	Messages  []Message  `json:"messages"`
	Params    *GenParams `json:"params,omitempty"`
}

// TitleFromInput derives a session title from the first user message: the
// first five words of the input.
func TitleFromInput(input string) string {
	words := strings.Fields(strings.TrimSpace(input))
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

// Clone returns a deep copy of the session so subscribers never observe
// in-place mutation of the message slice.
func (s *ChatSession) Clone() *ChatSession {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Params != nil {
		p := *s.Params
		out.Params = &p
	}
	return &out
}
