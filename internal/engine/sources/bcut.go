package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// Bcut speech recognition: request an upload, PUT the chunks, commit,
// create a task and poll until it finishes.

const (
	bcutPrefix    = "/x/bcut/rubick-interface"
	bcutModelID   = "8"
	bcutResultMID = "7"
	bcutUserAgent = "Bilibili/1.0.0 (https://www.bilibili.com)"

	bcutStateFailed = 3
	bcutStateDone   = 4
)

// ErrASRFailed reports a task the service marked as failed or never finished.
var ErrASRFailed = errors.New("bcut: transcription failed")

// BcutConfig configures the transcriber.
type BcutConfig struct {
	BaseURL      string // defaults to DefaultEndpoints.Member
	HTTPClient   *http.Client
	PollInterval time.Duration
	MaxPolls     int
}

// Bcut implements brief.Transcriber.
type Bcut struct {
	base     string
	http     *http.Client
	interval time.Duration
	maxPolls int
	retry    engine.RetryConfig
}

var _ brief.Transcriber = (*Bcut)(nil)

// NewBcut builds a transcriber.
func NewBcut(cfg BcutConfig) *Bcut {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEndpoints.Member
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = engine.Cfg.HTTPClient
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 500
	}
	return &Bcut{
		base:     strings.TrimRight(cfg.BaseURL, "/") + bcutPrefix,
		http:     cfg.HTTPClient,
		interval: cfg.PollInterval,
		maxPolls: cfg.MaxPolls,
		retry:    engine.RetryConfig{MaxRetries: 2, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Multiplier: 2},
	}
}

type bcutUpload struct {
	InBossKey  string   `json:"in_boss_key"`
	ResourceID string   `json:"resource_id"`
	UploadID   string   `json:"upload_id"`
	UploadURLs []string `json:"upload_urls"`
	PerSize    int64    `json:"per_size"`
}

type bcutResult struct {
	State  int    `json:"state"`
	Result string `json:"result"`
}

type bcutUtterances struct {
	Language   string `json:"language"`
	Utterances []struct {
		StartTime  int64  `json:"start_time"`
		EndTime    int64  `json:"end_time"`
		Transcript string `json:"transcript"`
	} `json:"utterances"`
}

// Transcribe uploads the audio and waits for the recognized utterances.
func (c *Bcut) Transcribe(ctx context.Context, audio brief.AudioFile) (brief.Transcript, error) {
	engine.IncrASRJobs()
	start := time.Now()

	f, err := os.Open(audio.Path)
	if err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: open audio: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: stat audio: %w", err)
	}
	if st.Size() == 0 {
		return brief.Transcript{}, fmt.Errorf("bcut: empty audio file")
	}

	ext := strings.TrimPrefix(filepath.Ext(audio.Path), ".")
	if ext == "" {
		ext = "m4a"
	}
	var up bcutUpload
	if err := c.postJSON(ctx, "/resource/create", map[string]any{
		"type":             2,
		"name":             "audio." + ext,
		"size":             st.Size(),
		"ResourceFileType": ext,
		"model_id":         bcutModelID,
	}, &up); err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: request upload: %w", err)
	}
	if len(up.UploadURLs) == 0 || up.PerSize <= 0 {
		return brief.Transcript{}, fmt.Errorf("bcut: upload slot without urls")
	}
	slog.Debug("bcut: upload slot", slog.String("slot", up.String()))

	etags, err := c.uploadParts(ctx, f, st.Size(), up)
	if err != nil {
		return brief.Transcript{}, err
	}

	var committed struct {
		DownloadURL string `json:"download_url"`
	}
	if err := c.postJSON(ctx, "/resource/create/complete", map[string]any{
		"InBossKey":  up.InBossKey,
		"ResourceId": up.ResourceID,
		"Etags":      strings.Join(etags, ","),
		"UploadId":   up.UploadID,
		"model_id":   bcutModelID,
	}, &committed); err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: commit upload: %w", err)
	}

	var task struct {
		TaskID string `json:"task_id"`
	}
	if err := c.postJSON(ctx, "/task", map[string]any{
		"resource": committed.DownloadURL,
		"model_id": bcutModelID,
	}, &task); err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: create task: %w", err)
	}

	res, err := c.await(ctx, task.TaskID)
	if err != nil {
		return brief.Transcript{}, err
	}

	var u bcutUtterances
	if err := decodeJSON([]byte(res.Result), &u); err != nil {
		return brief.Transcript{}, fmt.Errorf("bcut: result: %w", err)
	}
	t := brief.Transcript{Language: u.Language, Source: "asr"}
	if t.Language == "" {
		t.Language = "zh"
	}
	for _, x := range u.Utterances {
		if text := strings.TrimSpace(x.Transcript); text != "" {
			t.Segments = append(t.Segments, brief.Segment{
				Start: time.Duration(x.StartTime) * time.Millisecond,
				End:   time.Duration(x.EndTime) * time.Millisecond,
				Text:  text,
			})
		}
	}
	slog.Info("bcut: transcribed",
		slog.String("task", task.TaskID),
		slog.Int("segments", len(t.Segments)),
		slog.Duration("elapsed", time.Since(start)))
	return t, nil
}

func (c *Bcut) uploadParts(ctx context.Context, f *os.File, size int64, up bcutUpload) ([]string, error) {
	etags := make([]string, 0, len(up.UploadURLs))
	for i, u := range up.UploadURLs {
		off := int64(i) * up.PerSize
		if off >= size {
			break
		}
		n := min(up.PerSize, size-off)
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("bcut: read chunk %d: %w", i, err)
		}
		resp, err := engine.RetryHTTP(ctx, c.retry, func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(chunk))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set("User-Agent", bcutUserAgent)
			return c.http.Do(req)
		})
		if err != nil {
			return nil, fmt.Errorf("bcut: upload chunk %d: %w", i, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("bcut: upload chunk %d: status %d", i, resp.StatusCode)
		}
		etags = append(etags, strings.Trim(resp.Header.Get("Etag"), `"`))
	}
	return etags, nil
}

// await polls the task until it is done, failed or out of attempts.
func (c *Bcut) await(ctx context.Context, taskID string) (bcutResult, error) {
	q := url.Values{"model_id": {bcutResultMID}, "task_id": {taskID}}
	var last bcutResult
	for i := range c.maxPolls {
		if err := c.getJSON(ctx, "/task/result?"+q.Encode(), &last); err != nil {
			return bcutResult{}, fmt.Errorf("bcut: query task: %w", err)
		}
		switch last.State {
		case bcutStateDone:
			return last, nil
		case bcutStateFailed:
			return bcutResult{}, fmt.Errorf("%w: task %s state %d", ErrASRFailed, taskID, last.State)
		}
		if i%10 == 0 {
			slog.Debug("bcut: waiting", slog.String("task", taskID), slog.Int("poll", i), slog.Int("state", last.State))
		}
		select {
		case <-ctx.Done():
			return bcutResult{}, ctx.Err()
		case <-time.After(c.interval):
		}
	}
	return bcutResult{}, fmt.Errorf("%w: task %s timed out in state %d", ErrASRFailed, taskID, last.State)
}

func (c *Bcut) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Bcut) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Bcut) do(ctx context.Context, method, path string, payload []byte, out any) error {
	resp, err := engine.RetryHTTP(ctx, c.retry, func() (*http.Response, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", bcutUserAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.http.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return decodeEnvelope(raw, out)
}

func (u bcutUpload) String() string {
	return u.ResourceID + "/" + u.UploadID + " x" + strconv.Itoa(len(u.UploadURLs))
}
