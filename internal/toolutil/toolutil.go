// Package toolutil provides shared helpers for the go_brief MCP tools.
package toolutil

import (
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// Reply is one chat message as returned by a tool. Image is PNG bytes,
// base64-encoded on the wire.
type Reply struct {
	Text  string `json:"text,omitempty"`
	Image []byte `json:"image,omitempty"`
}

// Replies converts outbound chat messages into tool output.
func Replies(msgs []brief.Message) []Reply {
	out := make([]Reply, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Reply{Text: m.Text, Image: m.Image})
	}
	return out
}

// ParseScope accepts "group:<id>", "user:<id>" and the chat forms
// "群<id>" and "QQ<id>".
func ParseScope(s string) (brief.Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return brief.Scope{}, fmt.Errorf("scope is required")
	}
	switch {
	case strings.HasPrefix(s, "群"):
		s = string(brief.KindGroup) + ":" + strings.TrimPrefix(s, "群")
	case strings.HasPrefix(s, "QQ"), strings.HasPrefix(s, "qq"):
		s = string(brief.KindUser) + ":" + s[2:]
	}
	return brief.ParseScope(s)
}
