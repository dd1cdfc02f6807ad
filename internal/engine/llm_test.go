package engine

import (
	"context"
	"errors"
	"testing"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "## 章节\n\n正文", "## 章节\n\n正文"},
		{"markdown fence", "```markdown\n## 章节\n正文\n```", "## 章节\n正文"},
		{"bare fence", "```\nhello\n```", "hello"},
		{"surrounding space", "  \n```md\nx\n```  \n", "x"},
		{"inner fence kept", "intro\n```go\ncode\n```", "intro\n```go\ncode\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyLLMError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limited", errors.New("llm: status 429: too many requests"), true},
		{"bad gateway", errors.New("upstream returned 502"), true},
		{"bad request", errors.New("status 400: invalid model"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLLMError(tt.err)
			if IsTransient(got) != tt.transient {
				t.Errorf("IsTransient(classifyLLMError(%v)) = %v, want %v", tt.err, !tt.transient, tt.transient)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error must wrap the original")
			}
		})
	}
}

func TestCompleteWithoutClient(t *testing.T) {
	Init(Config{})
	if _, err := (LLM{}).Complete(context.Background(), "hi"); !errors.Is(err, ErrLLMDisabled) {
		t.Errorf("expected ErrLLMDisabled, got %v", err)
	}
}
