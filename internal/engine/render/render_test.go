package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func sampleNote() brief.NoteDocument {
	return brief.NoteDocument{
		Title:    "Go 并发 - 某UP主",
		Preamble: "本期讲解 goroutine。",
		Sections: []brief.Section{
			{Heading: "基础 ⏱ 01:23", Level: 2, Body: "⏱ 01:23\n\n- **要点** 一\n- `go` 关键字\n\n<script>alert(1)</script>"},
			{Heading: "进阶", Level: 2, Body: "1. 通道\n2. 选择"},
		},
		Summary: &brief.Section{Heading: "AI 总结", Level: 2, Body: "值得一看"},
	}
}

func TestCardHTML_Layout(t *testing.T) {
	out, err := CardHTML(sampleNote(), CardOptions{Width: 1200, Now: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"<!DOCTYPE html>",
		"body{width:1200px}",
		"Go 并发 —— 某UP主",
		`<div class="card-intro"><p>本期讲解 goroutine。</p></div>`,
		`class="card card-0"`,
		`class="card card-1"`,
		`class="card card-2 card-full"`,
		`<span class="ts">⏱ 01:23</span>`,
		"<strong>要点</strong>",
		"<code>go</code>",
		"<ol><li>通道</li><li>选择</li></ol>",
		"2026-03-01 09:30:00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("card html missing %q", want)
		}
	}
	if strings.Contains(out, "<script>") {
		t.Error("raw html from the note must be escaped")
	}
	// The standalone anchor line under the heading is dropped; only the heading copy remains.
	if n := strings.Count(out, `<span class="ts">`); n != 1 {
		t.Errorf("got %d timestamp spans, want 1", n)
	}
}

func TestCardHTML_DefaultTitle(t *testing.T) {
	out, err := CardHTML(brief.NoteDocument{Truncated: true}, CardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, defaultTitle) {
		t.Error("default title missing")
	}
	if !strings.Contains(out, brief.TruncationMarker) {
		t.Error("truncation marker missing")
	}
}

func TestHTTPRenderer_RenderCard(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Width != 800 || !strings.Contains(req.HTML, "进阶") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, 800, srv.Client())
	r.retry.InitialWait = time.Millisecond

	img, err := r.RenderCard(context.Background(), sampleNote())
	if err != nil {
		t.Fatal(err)
	}
	if string(img) != string(pngBytes) {
		t.Errorf("image = %q", img)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want a retry after 502", calls.Load())
	}
}

func TestHTTPRenderer_NonImageIsRenderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>error page</html>"))
	}))
	defer srv.Close()

	_, err := NewHTTPRenderer(srv.URL, 800, srv.Client()).RenderCard(context.Background(), sampleNote())
	if !errors.Is(err, brief.ErrRenderFailure) {
		t.Fatalf("err = %v, want ErrRenderFailure", err)
	}
}

func TestHTTPRenderer_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPRenderer(srv.URL, 800, srv.Client()).RenderCard(context.Background(), sampleNote())
	if !errors.Is(err, brief.ErrRenderFailure) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}
