package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// Bilibili web API access: envelope decoding, error mapping, cookies and
// the transport choice (Chrome TLS when configured, plain HTTP otherwise).

// ErrNotFound reports a deleted or unknown video, user or resource.
var ErrNotFound = errors.New("bilibili: not found")

// APIError is a non-zero code the other error classes do not cover.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili: code %d: %s", e.Code, e.Message)
}

// Endpoints are the hosts the client talks to.
type Endpoints struct {
	API      string
	Passport string
	Member   string
}

// DefaultEndpoints are the production hosts.
var DefaultEndpoints = Endpoints{
	API:      "https://api.bilibili.com",
	Passport: "https://passport.bilibili.com",
	Member:   "https://member.bilibili.com",
}

// CookieSource supplies the logged-in cookies for each request.
type CookieSource interface {
	Cookies() map[string]string
}

// BilibiliConfig configures the client. Zero values use engine defaults.
type BilibiliConfig struct {
	Endpoints     Endpoints
	HTTPClient    *http.Client
	Browser       *engine.BrowserClient
	AudioDir      string
	MaxAudioBytes int64
	RetryWait     time.Duration
}

// Bilibili implements the metadata, subtitle, audio, creator, short-link
// and QR login capabilities.
type Bilibili struct {
	ep         Endpoints
	http       *http.Client
	noRedirect *http.Client
	browser    *engine.BrowserClient
	audioDir   string
	maxAudio   int64
	retryWait  time.Duration
	cookies    CookieSource
	wbi        *wbiSigner
}

// NewBilibili builds a client. Call UseCookies before serving requests.
func NewBilibili(cfg BilibiliConfig) *Bilibili {
	ep := cfg.Endpoints
	if ep.API == "" {
		ep.API = DefaultEndpoints.API
	}
	if ep.Passport == "" {
		ep.Passport = DefaultEndpoints.Passport
	}
	if ep.Member == "" {
		ep.Member = DefaultEndpoints.Member
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = engine.Cfg.HTTPClient
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	browser := cfg.Browser
	if browser == nil && cfg.HTTPClient == nil {
		browser = engine.Cfg.BrowserClient
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = os.TempDir()
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 512 << 20
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}

	noRedirect := *hc
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	b := &Bilibili{
		ep:         ep,
		http:       hc,
		noRedirect: &noRedirect,
		browser:    browser,
		audioDir:   cfg.AudioDir,
		maxAudio:   cfg.MaxAudioBytes,
		retryWait:  cfg.RetryWait,
	}
	b.wbi = newWBISigner(b)
	return b
}

// UseCookies sets the session that authenticates API calls.
func (b *Bilibili) UseCookies(src CookieSource) { b.cookies = src }

func (b *Bilibili) cookieHeader() string {
	if b.cookies == nil {
		return ""
	}
	c := b.cookies.Cookies()
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return strings.Join(parts, "; ")
}

func (b *Bilibili) headers(referer, contentType string) map[string]string {
	h := engine.BiliHeaders(referer)
	if cookie := b.cookieHeader(); cookie != "" {
		h["cookie"] = cookie
	}
	if contentType != "" {
		h["content-type"] = contentType
	}
	return h
}

// send performs one request over the configured transport.
func (b *Bilibili) send(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) ([]byte, int, error) {
	if b.browser != nil {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		return b.browser.Do(ctx, method, rawURL, headers, rd)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	return data, resp.StatusCode, err
}

// fetch sends with exponential backoff on network errors and 429/5xx.
func (b *Bilibili) fetch(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) ([]byte, error) {
	engine.IncrBiliRequests()
	op := func() ([]byte, error) {
		data, status, err := b.send(ctx, method, rawURL, headers, body)
		switch {
		case err != nil && engine.IsTransient(err):
			return nil, err
		case err != nil:
			return nil, backoff.Permanent(err)
		case engine.IsRetryableStatus(status):
			return nil, engine.StatusError(status)
		case status == http.StatusPreconditionFailed:
			// Risk control: retrying right away only extends the block.
			return nil, backoff.Permanent(fmt.Errorf("%w: risk control (HTTP 412)", engine.ErrTransient))
		case status == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case status != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("bilibili: status %d", status))
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.retryWait
	bo.MaxInterval = 5 * time.Second
	data, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	if err != nil {
		engine.IncrBiliErrors()
		return nil, err
	}
	return data, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

// codeErr maps envelope codes onto the shared error classes.
func codeErr(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case -101, -111:
		return fmt.Errorf("bilibili: code %d %s: %w", code, msg, engine.ErrAuthInvalid)
	case -412, -352, -509, -799, -503:
		return fmt.Errorf("bilibili: code %d %s: %w", code, msg, engine.ErrTransient)
	case -404, -403, 62002, 62004, 62012:
		return fmt.Errorf("bilibili: code %d %s: %w", code, msg, ErrNotFound)
	}
	return &APIError{Code: code, Message: msg}
}

// decodeEnvelope checks the code and unmarshals data into out.
func decodeEnvelope(raw []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bilibili: decode envelope: %w", err)
	}
	if err := codeErr(env.Code, env.Message); err != nil {
		engine.IncrBiliErrors()
		return err
	}
	payload := env.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = env.Result
	}
	if out == nil || len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("bilibili: decode data: %w", err)
	}
	return nil
}

// getJSON GETs an API path. signed requests carry WBI w_rid/wts.
func getJSON[T any](ctx context.Context, b *Bilibili, path string, params url.Values, signed bool) (T, error) {
	var out T
	if params == nil {
		params = url.Values{}
	}
	query := encodeQuery(params)
	if signed {
		var err error
		if query, err = b.wbi.sign(ctx, params); err != nil {
			return out, err
		}
	}
	raw, err := b.fetch(ctx, http.MethodGet, b.ep.API+path+"?"+query, b.headers("", ""), nil)
	if err != nil {
		return out, err
	}
	err = decodeEnvelope(raw, &out)
	return out, err
}

// encodeQuery is url.Values.Encode with %20 for spaces, as the signer expects.
func encodeQuery(v url.Values) string {
	return strings.ReplaceAll(v.Encode(), "+", "%20")
}
