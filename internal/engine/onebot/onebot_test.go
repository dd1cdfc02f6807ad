package onebot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

type recorded struct {
	Path    string
	Auth    string
	GroupID int64     `json:"group_id"`
	UserID  int64     `json:"user_id"`
	Message []segment `json:"message"`
}

type fakeBot struct {
	mu    sync.Mutex
	calls []recorded
	reply string
}

func (f *fakeBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rec recorded
	_ = json.NewDecoder(r.Body).Decode(&rec)
	rec.Path = r.URL.Path
	rec.Auth = r.Header.Get("Authorization")
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	f.mu.Unlock()
	reply := f.reply
	if reply == "" {
		reply = `{"status":"ok","retcode":0,"data":{"message_id":1}}`
	}
	_, _ = w.Write([]byte(reply))
}

func newTestClient(t *testing.T, bot *fakeBot) *Client {
	t.Helper()
	srv := httptest.NewServer(bot)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Token: "secret", HTTPClient: srv.Client()})
}

func TestSend_GroupText(t *testing.T) {
	bot := &fakeBot{}
	c := newTestClient(t, bot)

	err := c.Send(context.Background(), brief.Scope{Kind: brief.KindGroup, ID: "123456"}, brief.Message{Text: "hello"})
	require.NoError(t, err)

	require.Len(t, bot.calls, 1)
	call := bot.calls[0]
	assert.Equal(t, "/send_group_msg", call.Path)
	assert.Equal(t, "Bearer secret", call.Auth)
	assert.Equal(t, int64(123456), call.GroupID)
	require.Len(t, call.Message, 1)
	assert.Equal(t, "text", call.Message[0].Type)
	assert.Equal(t, "hello", call.Message[0].Data["text"])
}

func TestSend_PrivateImageWithCaption(t *testing.T) {
	bot := &fakeBot{}
	c := newTestClient(t, bot)
	png := []byte("\x89PNG-data")

	err := c.Send(context.Background(), brief.Scope{Kind: brief.KindUser, ID: "42"}, brief.Message{Text: "新视频", Image: png})
	require.NoError(t, err)

	require.Len(t, bot.calls, 1)
	call := bot.calls[0]
	assert.Equal(t, "/send_private_msg", call.Path)
	assert.Equal(t, int64(42), call.UserID)
	require.Len(t, call.Message, 2)
	assert.Equal(t, "新视频\n", call.Message[0].Data["text"])
	assert.Equal(t, "image", call.Message[1].Type)
	assert.Equal(t, "base64://"+base64.StdEncoding.EncodeToString(png), call.Message[1].Data["file"])
}

func TestSend_LongTextIsSplit(t *testing.T) {
	bot := &fakeBot{}
	c := newTestClient(t, bot)
	text := strings.Repeat("甲", 2000) + "\n\n" + strings.Repeat("乙", 2000)

	require.NoError(t, c.Send(context.Background(), brief.Scope{Kind: brief.KindGroup, ID: "1"}, brief.Message{Text: text}))

	require.Len(t, bot.calls, 2)
	assert.Equal(t, strings.Repeat("甲", 2000), bot.calls[0].Message[0].Data["text"])
	assert.Equal(t, strings.Repeat("乙", 2000), bot.calls[1].Message[0].Data["text"])
}

func TestSend_RetcodeIsRejected(t *testing.T) {
	bot := &fakeBot{reply: `{"status":"failed","retcode":1200,"wording":"不是群成员"}`}
	c := newTestClient(t, bot)

	err := c.Send(context.Background(), brief.Scope{Kind: brief.KindGroup, ID: "1"}, brief.Message{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "不是群成员")
	assert.False(t, engine.IsTransient(err))
}

func TestSend_BadTarget(t *testing.T) {
	c := newTestClient(t, &fakeBot{})
	err := c.Send(context.Background(), brief.Scope{Kind: brief.KindGroup, ID: "abc"}, brief.Message{Text: "x"})
	assert.Error(t, err)
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "abc", 10, []string{"abc"}},
		{"blank line", "aaaa\n\nbbbb", 6, []string{"aaaa", "bbbb"}},
		{"newline", "aaaa\nbbbb", 6, []string{"aaaa", "bbbb"}},
		{"hard cut", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"runes", "一二三四五", 2, []string{"一二", "三四", "五"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitText(tt.in, tt.limit))
		})
	}
}
