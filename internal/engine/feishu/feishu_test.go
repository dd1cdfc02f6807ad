package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
	"github.com/anatolykoptev/go_brief/internal/engine/mdblock"
)

type appendCall struct {
	Parent   string
	Index    int
	Children []map[string]any
}

// fakeOpenAPI is an in-memory stand-in for the wiki, docx and drive endpoints.
type fakeOpenAPI struct {
	mu           sync.Mutex
	tokenCalls   int
	titles       []string
	appends      []appendCall
	uploads      []string // parent_node of each upload
	replaced     map[string]string
	deleted      []string
	nextID       int
	failAppendAt int // 1-based append call answered with 503 once
	uploadCode   int
}

func (f *fakeOpenAPI) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	ok := func(w http.ResponseWriter, data any) {
		writeJSON(w, map[string]any{"code": 0, "msg": "success", "data": data})
	}

	mux.HandleFunc("POST /open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		writeJSON(w, map[string]any{"code": 0, "tenant_access_token": "t-1", "expire": 7200})
	})
	mux.HandleFunc("POST /open-apis/wiki/v2/spaces/{space}/nodes", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.titles = append(f.titles, body.Title)
		f.mu.Unlock()
		ok(w, map[string]any{"node": map[string]string{"node_token": "wik1", "obj_token": "doc1"}})
	})
	mux.HandleFunc("GET /open-apis/docx/v1/documents/{doc}/blocks", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]any{"items": []map[string]any{{"block_id": "root1", "block_type": 1}}})
	})
	mux.HandleFunc("POST /open-apis/docx/v1/documents/{doc}/blocks/{parent}/children", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Children []map[string]any `json:"children"`
			Index    *int             `json:"index"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failAppendAt > 0 && len(f.appends)+1 == f.failAppendAt {
			f.failAppendAt = 0
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		idx := -1
		if body.Index != nil {
			idx = *body.Index
		}
		f.appends = append(f.appends, appendCall{Parent: r.PathValue("parent"), Index: idx, Children: body.Children})

		created := make([]map[string]any, len(body.Children))
		for i, c := range body.Children {
			f.nextID++
			created[i] = map[string]any{"block_id": fmt.Sprintf("b%d", f.nextID), "block_type": c["block_type"]}
		}
		ok(w, map[string]any{"children": created})
	})
	mux.HandleFunc("DELETE /open-apis/docx/v1/documents/{doc}/blocks/{parent}/children/batch_delete", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.deleted = append(f.deleted, fmt.Sprintf("%s[%d:%d]", r.PathValue("parent"), body["start_index"], body["end_index"]))
		f.mu.Unlock()
		ok(w, map[string]any{})
	})
	mux.HandleFunc("PATCH /open-apis/docx/v1/documents/{doc}/blocks/{block}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ReplaceImage struct {
				Token string `json:"token"`
			} `json:"replace_image"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.replaced[r.PathValue("block")] = body.ReplaceImage.Token
		f.mu.Unlock()
		ok(w, map[string]any{})
	})
	mux.HandleFunc("POST /open-apis/drive/v1/medias/upload_all", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, r.FormValue("parent_node"))
		code := f.uploadCode
		f.mu.Unlock()
		if r.FormValue("parent_type") != "docx_image" {
			writeJSON(w, map[string]any{"code": 1061002, "msg": "bad parent_type"})
			return
		}
		if code != 0 {
			writeJSON(w, map[string]any{"code": code, "msg": "upload rejected"})
			return
		}
		ok(w, map[string]string{"file_token": "file-" + r.FormValue("parent_node")})
	})
	return mux
}

func (f *fakeOpenAPI) rootBlocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.appends {
		if a.Parent == "root1" && a.Index < 0 {
			n += len(a.Children)
		}
	}
	return n
}

func newTestPublisher(t *testing.T, f *fakeOpenAPI, images map[string][]byte) *Publisher {
	t.Helper()
	if f.replaced == nil {
		f.replaced = make(map[string]string)
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{AppID: "cli", AppSecret: "sec", BaseURL: srv.URL, HTTPClient: srv.Client()})
	return NewPublisher(client, PublisherConfig{
		SpaceID:     "space1",
		TitlePrefix: "BiliBrief纪要",
		Domain:      "feishu",
		Fetch: func(_ context.Context, url string) ([]byte, error) {
			if b, ok := images[url]; ok {
				return b, nil
			}
			return nil, errors.New("status 404")
		},
	})
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

func textOf(b map[string]any, key string) string {
	body, _ := b[key].(map[string]any)
	elems, _ := body["elements"].([]any)
	var sb strings.Builder
	for _, e := range elems {
		run, _ := e.(map[string]any)["text_run"].(map[string]any)
		s, _ := run["content"].(string)
		sb.WriteString(s)
	}
	return sb.String()
}

func TestPublish_WritesDocument(t *testing.T) {
	f := &fakeOpenAPI{}
	p := newTestPublisher(t, f, map[string][]byte{"https://i0.hdslb.com/a.png": pngBytes})

	md := "# Go 并发入门\n\n" +
		"开场介绍\n\n" +
		"1. 第一步\n   1. 细节\n\n" +
		"```go\nfunc main() {}\n```\n\n" +
		"![架构图](https://i0.hdslb.com/a.png)\n\n" +
		"![坏图](https://example.com/missing.png)\n"

	doc, err := p.Publish(context.Background(), brief.PublishRequest{
		Token:     "tok-1",
		VideoID:   "BV1xx411c7mD",
		NoteTitle: "Go 并发入门",
		Markdown:  md,
		VideoURL:  "https://www.bilibili.com/video/BV1xx411c7mD",
	})
	require.NoError(t, err)

	assert.Equal(t, "wik1", doc.DocRef)
	assert.Equal(t, "https://feishu.cn/wiki/wik1", doc.URL)
	assert.Equal(t, 1, doc.ImagesOK)
	assert.Equal(t, 1, doc.ImagesFailed)
	require.Equal(t, []string{"BiliBrief纪要 - Go 并发入门 [BV1xx411c7mD]"}, f.titles)

	root := f.appends[0]
	require.Equal(t, "root1", root.Parent)
	assert.True(t, strings.HasPrefix(textOf(root.Children[0], "text"), "原视频链接："))
	assert.Equal(t, float64(blockH1), root.Children[1]["block_type"])

	var kinds []float64
	for _, c := range root.Children {
		kinds = append(kinds, c["block_type"].(float64))
	}
	// link, heading, text, ordered, code, image, caption, degraded image
	assert.Equal(t, []float64{blockText, blockH1, blockText, blockOrdered, blockCode, blockImage, blockText, blockText}, kinds)
	assert.Equal(t, "图：架构图", textOf(root.Children[6], "text"))
	assert.Equal(t, "[图片] 坏图", textOf(root.Children[7], "text"))

	// The nested ordered item went under the created list block.
	require.Len(t, f.appends, 2)
	assert.Equal(t, "b4", f.appends[1].Parent)
	assert.Equal(t, "细节", textOf(f.appends[1].Children[0], "ordered"))

	code := root.Children[4]["code"].(map[string]any)
	assert.Equal(t, float64(26), code["style"].(map[string]any)["language"])

	require.Equal(t, []string{"b6"}, f.uploads)
	assert.Equal(t, "file-b6", f.replaced["b6"])
	assert.Equal(t, 1, f.tokenCalls, "tenant token is cached")
}

func TestPublish_AppendsInChunks(t *testing.T) {
	f := &fakeOpenAPI{}
	p := newTestPublisher(t, f, nil)

	var sb strings.Builder
	for i := range 65 {
		fmt.Fprintf(&sb, "段落 %d\n\n", i)
	}
	_, err := p.Publish(context.Background(), brief.PublishRequest{Token: "t", VideoID: "BV1", Markdown: sb.String(), VideoURL: "https://www.bilibili.com/video/BV1"})
	require.NoError(t, err)

	var sizes []int
	for _, a := range f.appends {
		sizes = append(sizes, len(a.Children))
	}
	assert.Equal(t, []int{30, 30, 6}, sizes)
}

func TestPublish_RetryResumesWithoutDuplicates(t *testing.T) {
	f := &fakeOpenAPI{failAppendAt: 2}
	p := newTestPublisher(t, f, nil)

	var sb strings.Builder
	for i := range 65 {
		fmt.Fprintf(&sb, "段落 %d\n\n", i)
	}
	req := brief.PublishRequest{Token: "retry-me", VideoID: "BV1", Markdown: sb.String(), VideoURL: "https://www.bilibili.com/video/BV1"}

	_, err := p.Publish(context.Background(), req)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err), "503 should be retryable: %v", err)

	doc, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "wik1", doc.DocRef)
	assert.Len(t, f.titles, 1, "retry must reuse the wiki node")
	assert.Equal(t, 66, f.rootBlocks(), "every block written exactly once")
}

func TestPublish_UploadFailureDegradesToAltText(t *testing.T) {
	f := &fakeOpenAPI{uploadCode: 1061045}
	p := newTestPublisher(t, f, map[string][]byte{"https://x/a.png": pngBytes})

	doc, err := p.Publish(context.Background(), brief.PublishRequest{
		Token:    "t",
		VideoID:  "BV1",
		Markdown: "# 标题\n\n![示意](https://x/a.png)\n",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, doc.ImagesOK)
	assert.Equal(t, 1, doc.ImagesFailed)

	// No source link without VideoURL: heading at 0, image at 1.
	require.Equal(t, []string{"root1[1:2]"}, f.deleted)
	last := f.appends[len(f.appends)-1]
	assert.Equal(t, 1, last.Index)
	assert.Equal(t, "[图片] 示意", textOf(last.Children[0], "text"))
	assert.Empty(t, f.replaced)
}

func TestPublish_APIErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "tenant_access_token") {
			_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t","expire":7200}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":131006,"msg":"permission denied"}`))
	}))
	defer srv.Close()

	p := NewPublisher(NewClient(ClientConfig{BaseURL: srv.URL}), PublisherConfig{SpaceID: "s"})
	_, err := p.Publish(context.Background(), brief.PublishRequest{Token: "t", Markdown: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 131006, apiErr.Code)
	assert.False(t, engine.IsTransient(err))
}

func TestClient_ExpiredTokenRefreshes(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens int
		calls  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(r.URL.Path, "tenant_access_token") {
			tokens++
			fmt.Fprintf(w, `{"code":0,"tenant_access_token":"t%d","expire":7200}`, tokens)
			return
		}
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"code":99991663,"msg":"invalid access token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"items":[{"block_id":"r","block_type":1}]}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RootBlockID(context.Background(), "doc")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	id, err := c.RootBlockID(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "r", id)
	assert.Equal(t, 2, tokens)
}

func TestBuildTitle(t *testing.T) {
	tests := []struct {
		prefix, heading, bv, want string
	}{
		{"BiliBrief纪要", "标题", "BV1", "BiliBrief纪要 - 标题 [BV1]"},
		{"", "标题", "BV1", "标题 [BV1]"},
		{"P", "  ", "", "P - B站视频总结"},
	}
	for _, tt := range tests {
		if got := BuildTitle(tt.prefix, tt.heading, tt.bv); got != tt.want {
			t.Errorf("BuildTitle(%q, %q, %q) = %q, want %q", tt.prefix, tt.heading, tt.bv, got, tt.want)
		}
	}

	long := BuildTitle("前缀", strings.Repeat("长", 200), "BV1xx411c7mD")
	if engine.RuneLen(long) > maxTitleRunes {
		t.Errorf("title has %d runes", engine.RuneLen(long))
	}
	if !strings.HasSuffix(long, " [BV1xx411c7mD]") {
		t.Errorf("video id cut from %q", long)
	}
}

func TestDocURL(t *testing.T) {
	if got := DocURL("feishu", "n1"); got != "https://feishu.cn/wiki/n1" {
		t.Errorf("feishu = %q", got)
	}
	if got := DocURL("lark", "n1"); got != "https://www.larksuite.com/wiki/n1" {
		t.Errorf("lark = %q", got)
	}
}

func TestCodeLanguage(t *testing.T) {
	tests := map[string]int{"Python": 49, "go": 26, "yml": 74, "c++": 12, "": 1, "brainfuck": 1}
	for in, want := range tests {
		if got := CodeLanguage(in); got != want {
			t.Errorf("CodeLanguage(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSplitRuns(t *testing.T) {
	runs := []mdblock.Inline{
		{Text: strings.Repeat("字", 950)},
		{Text: "E=mc^2", Math: true},
	}
	parts := splitRuns(runs, maxTextRunes)
	require.Len(t, parts, 2)
	assert.Equal(t, maxTextRunes, engine.RuneLen(mdblock.PlainText(parts[0])))
	assert.Equal(t, 50+6, engine.RuneLen(mdblock.PlainText(parts[1])))
	assert.True(t, parts[1][1].Math)
}

func TestConvert_InlineElements(t *testing.T) {
	c := &converter{fetch: func(context.Context, string) ([]byte, error) { return nil, errors.New("offline") }}
	nodes := c.nodes(context.Background(), mdblock.Parse("**粗** [链](https://b23.tv/a?b=1) $x$"))
	require.Len(t, nodes, 1)

	elems := nodes[0].block["text"].(map[string]any)["elements"].([]any)
	require.Len(t, elems, 5) // 粗, space, 链, space, x

	bold := elems[0].(map[string]any)["text_run"].(map[string]any)
	assert.Equal(t, true, bold["text_element_style"].(map[string]any)["bold"])

	link := elems[2].(map[string]any)["text_run"].(map[string]any)["text_element_style"].(map[string]any)["link"].(map[string]string)
	assert.Equal(t, "https%3A%2F%2Fb23.tv%2Fa%3Fb%3D1", link["url"])

	_, isEq := elems[4].(map[string]any)["equation"]
	assert.True(t, isEq)
}
