package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/anatolykoptev/go-kit/llm"
)

// ErrLLMDisabled is returned when no LLM client was configured.
var ErrLLMDisabled = errors.New("llm: client not configured")

// transientLLMRe matches upstream failures worth another attempt.
var transientLLMRe = regexp.MustCompile(`(?i)\b(429|500|502|503|504)\b|rate limit|overloaded|timeout|connection reset|EOF`)

// stripFences removes a wrapping markdown code fence from LLM output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classifyLLMError marks provider throttling and gateway errors as transient.
func classifyLLMError(err error) error {
	if IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if transientLLMRe.MatchString(err.Error()) {
		return fmt.Errorf("llm: %w: %w", ErrTransient, err)
	}
	return err
}

// LLM adapts the configured client to a single-prompt completer.
type LLM struct {
	System      string
	Temperature float64 // 0 = Config.LLMTemperature
	MaxTokens   int     // 0 = Config.LLMMaxTokens
}

// Complete returns the model's answer to prompt with code fences removed.
func (l LLM) Complete(ctx context.Context, prompt string) (string, error) {
	if cfg.LLMClient == nil {
		return "", ErrLLMDisabled
	}
	temp, maxTokens := l.Temperature, l.MaxTokens
	if temp <= 0 {
		temp = cfg.LLMTemperature
	}
	if maxTokens <= 0 {
		maxTokens = cfg.LLMMaxTokens
	}

	metrics.LLMCalls.Add(1)
	resp, err := cfg.LLMClient.Complete(ctx, l.System, prompt,
		llm.WithChatTemperature(temp),
		llm.WithChatMaxTokens(maxTokens),
	)
	if err != nil {
		metrics.LLMErrors.Add(1)
		return "", classifyLLMError(err)
	}
	return stripFences(resp), nil
}
