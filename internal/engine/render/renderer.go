package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// maxImageBytes keeps cards under the chat platform's upload ceiling.
const maxImageBytes = 9 << 20

// HTTPRenderer posts card HTML to a headless-browser screenshot service and
// returns the PNG it answers with.
type HTTPRenderer struct {
	url    string
	width  int
	client *http.Client
	retry  engine.RetryConfig
}

var _ brief.CardRenderer = (*HTTPRenderer)(nil)

// NewHTTPRenderer builds a renderer for the service at serviceURL.
func NewHTTPRenderer(serviceURL string, width int, client *http.Client) *HTTPRenderer {
	if client == nil {
		client = engine.Cfg.HTTPClient
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPRenderer{
		url:    serviceURL,
		width:  width,
		client: client,
		retry:  engine.RetryConfig{MaxRetries: 2, InitialWait: time.Second, MaxWait: 5 * time.Second, Multiplier: 2},
	}
}

type renderRequest struct {
	HTML   string `json:"html"`
	Width  int    `json:"width"`
	Format string `json:"format"`
}

// RenderCard lays the note out and screenshots it.
func (r *HTTPRenderer) RenderCard(ctx context.Context, note brief.NoteDocument) ([]byte, error) {
	page, err := CardHTML(note, CardOptions{Width: r.width})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", brief.ErrRenderFailure, err)
	}
	payload, err := json.Marshal(renderRequest{HTML: page, Width: r.width, Format: "png"})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", brief.ErrRenderFailure, err)
	}

	start := time.Now()
	resp, err := engine.RetryHTTP(ctx, r.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "image/png")
		return r.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", brief.ErrRenderFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", brief.ErrRenderFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read image: %w", brief.ErrRenderFailure, err)
	}
	if len(img) > maxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", brief.ErrRenderFailure, maxImageBytes)
	}
	if ct := http.DetectContentType(img); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: service returned %s", brief.ErrRenderFailure, ct)
	}

	slog.Info("render: card ready", slog.Int("bytes", len(img)), slog.Duration("elapsed", time.Since(start)))
	return img, nil
}
