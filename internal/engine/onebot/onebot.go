// Package onebot sends chat messages through a OneBot v11 HTTP endpoint.
package onebot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// maxTextRunes is where long text is split into several messages.
const maxTextRunes = 3000

// ErrRejected is a non-ok answer from the OneBot implementation.
var ErrRejected = errors.New("onebot: request rejected")

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Client implements brief.Messenger.
type Client struct {
	base   string
	token  string
	client *http.Client
	retry  engine.RetryConfig
}

var _ brief.Messenger = (*Client)(nil)

// New builds a client for the endpoint at cfg.BaseURL.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = engine.Cfg.HTTPClient
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: hc,
		retry:  engine.RetryConfig{MaxRetries: 2, InitialWait: time.Second, MaxWait: 5 * time.Second, Multiplier: 2},
	}
}

type segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func textSegment(s string) segment {
	return segment{Type: "text", Data: map[string]string{"text": s}}
}

func imageSegment(png []byte) segment {
	return segment{Type: "image", Data: map[string]string{"file": "base64://" + base64.StdEncoding.EncodeToString(png)}}
}

type apiResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
}

// Send delivers msg to the scope. An image carries its text as a caption
// in the same message; long text is split on paragraph boundaries.
func (c *Client) Send(ctx context.Context, to brief.Scope, msg brief.Message) error {
	id, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("onebot: bad target %s: %w", to, err)
	}

	var batches [][]segment
	if len(msg.Image) > 0 {
		var segs []segment
		if msg.Text != "" {
			segs = append(segs, textSegment(msg.Text+"\n"))
		}
		batches = append(batches, append(segs, imageSegment(msg.Image)))
	} else {
		for _, part := range SplitText(msg.Text, maxTextRunes) {
			batches = append(batches, []segment{textSegment(part)})
		}
	}

	for i, segs := range batches {
		if err := c.sendOne(ctx, to.Kind, id, segs); err != nil {
			if i > 0 {
				return fmt.Errorf("onebot: part %d/%d: %w", i+1, len(batches), err)
			}
			return err
		}
	}
	return nil
}

func (c *Client) sendOne(ctx context.Context, kind brief.TargetKind, id int64, segs []segment) error {
	action := "/send_private_msg"
	body := map[string]any{"user_id": id, "message": segs}
	if kind == brief.KindGroup {
		action = "/send_group_msg"
		body = map[string]any{"group_id": id, "message": segs}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := engine.RetryHTTP(ctx, c.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+action, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return c.client.Do(req)
	})
	if err != nil {
		return fmt.Errorf("onebot %s: %w", action, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("onebot %s: read: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("onebot %s: %w: status %d", action, ErrRejected, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("onebot %s: decode: %w", action, err)
	}
	if ar.Status == "failed" || ar.RetCode != 0 {
		reason := ar.Wording
		if reason == "" {
			reason = ar.Message
		}
		return fmt.Errorf("onebot %s: %w: retcode %d %s", action, ErrRejected, ar.RetCode, reason)
	}
	slog.Debug("onebot: sent", slog.String("action", action), slog.Int64("target", id), slog.Int("segments", len(segs)))
	return nil
}

// SplitText cuts s into parts of at most limit runes, preferring blank
// lines, then newlines, as cut points.
func SplitText(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for engine.RuneLen(s) > limit {
		r := []rune(s)
		head := string(r[:limit])
		cut := strings.LastIndex(head, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut <= 0 {
			cut = len(head)
		}
		out = append(out, strings.TrimRight(s[:cut], "\n"))
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
