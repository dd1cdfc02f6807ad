package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// QR poll codes of the passport API.
const (
	qrConfirmed = 0
	qrExpired   = 86038
	qrScanned   = 86090
	qrWaiting   = 86101
)

// sessionCookies are the cookies a confirmed login must yield.
var sessionCookies = []string{"SESSDATA", "bili_jct", "DedeUserID", "DedeUserID__ckMd5"}

// passportGet uses the plain HTTP client: the login cookies arrive in
// Set-Cookie headers, which the browser transport does not expose.
func (b *Bilibili) passportGet(ctx context.Context, path string, params url.Values) (*http.Response, []byte, error) {
	engine.IncrBiliRequests()
	u := b.ep.Passport + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range engine.BiliHeaders("https://passport.bilibili.com/login") {
		req.Header.Set(k, v)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		engine.IncrBiliErrors()
		return nil, nil, fmt.Errorf("passport: %w: %w", engine.ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		engine.IncrBiliErrors()
		if engine.IsRetryableStatus(resp.StatusCode) {
			return nil, nil, fmt.Errorf("passport: %w", engine.StatusError(resp.StatusCode))
		}
		return nil, nil, fmt.Errorf("passport: status %d", resp.StatusCode)
	}
	return resp, raw, nil
}

// GenerateQR asks for a new login QR code.
func (b *Bilibili) GenerateQR(ctx context.Context) (string, string, error) {
	_, raw, err := b.passportGet(ctx, "/x/passport-login/web/qrcode/generate", nil)
	if err != nil {
		return "", "", err
	}
	var d struct {
		URL       string `json:"url"`
		QRCodeKey string `json:"qrcode_key"`
	}
	if err := decodeEnvelope(raw, &d); err != nil {
		return "", "", err
	}
	if d.QRCodeKey == "" || d.URL == "" {
		return "", "", fmt.Errorf("passport: empty qrcode response")
	}
	return d.QRCodeKey, d.URL, nil
}

// PollQR reports the scan state of a QR code.
func (b *Bilibili) PollQR(ctx context.Context, key string) (brief.LoginPoll, error) {
	resp, raw, err := b.passportGet(ctx, "/x/passport-login/web/qrcode/poll", url.Values{"qrcode_key": {key}})
	if err != nil {
		return brief.LoginPoll{}, err
	}
	var d struct {
		URL     string `json:"url"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := decodeEnvelope(raw, &d); err != nil {
		return brief.LoginPoll{}, err
	}

	switch d.Code {
	case qrWaiting:
		return brief.LoginPoll{Status: brief.PollWaiting}, nil
	case qrScanned:
		return brief.LoginPoll{Status: brief.PollScanned}, nil
	case qrExpired:
		return brief.LoginPoll{Status: brief.PollExpired}, nil
	case qrConfirmed:
		cookies := loginCookies(resp, d.URL)
		if cookies["SESSDATA"] == "" {
			return brief.LoginPoll{}, fmt.Errorf("passport: login confirmed without SESSDATA: %w", engine.ErrAuthInvalid)
		}
		return brief.LoginPoll{Status: brief.PollConfirmed, Cookies: cookies}, nil
	}
	return brief.LoginPoll{}, &APIError{Code: d.Code, Message: d.Message}
}

// loginCookies collects the session cookies from Set-Cookie, falling back
// to the query of the cross-domain redirect URL.
func loginCookies(resp *http.Response, redirect string) map[string]string {
	out := map[string]string{}
	for _, c := range resp.Cookies() {
		out[c.Name] = c.Value
	}
	if out["SESSDATA"] != "" {
		return out
	}
	u, err := url.Parse(redirect)
	if err != nil {
		return out
	}
	q := u.Query()
	for _, name := range sessionCookies {
		if v := q.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// decodeJSON is used for responses that carry no envelope.
func decodeJSON(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
