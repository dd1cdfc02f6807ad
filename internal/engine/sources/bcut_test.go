package sources

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

type fakeBcut struct {
	mu       sync.Mutex
	parts    []string
	commit   map[string]any
	polls    int
	failTask bool
}

func (f *fakeBcut) handler(srvURL func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+bcutPrefix+"/resource/create", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model_id"] != bcutModelID || req["ResourceFileType"] != "m4a" {
			writeEnvelope(w, -400, nil)
			return
		}
		writeEnvelope(w, 0, map[string]any{
			"in_boss_key": "boss", "resource_id": "res", "upload_id": "up",
			"upload_urls": []string{srvURL() + "/part/0", srvURL() + "/part/1", srvURL() + "/part/2"},
			"per_size":    4,
		})
	})
	mux.HandleFunc("PUT /part/{n}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.parts = append(f.parts, string(body))
		f.mu.Unlock()
		w.Header().Set("Etag", `"etag-`+r.PathValue("n")+`"`)
	})
	mux.HandleFunc("POST "+bcutPrefix+"/resource/create/complete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.commit)
		f.mu.Unlock()
		writeEnvelope(w, 0, map[string]string{"download_url": "https://boss/res"})
	})
	mux.HandleFunc("POST "+bcutPrefix+"/task", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, map[string]string{"task_id": "t1"})
	})
	mux.HandleFunc("GET "+bcutPrefix+"/task/result", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model_id") != bcutResultMID || r.URL.Query().Get("task_id") != "t1" {
			writeEnvelope(w, -400, nil)
			return
		}
		f.mu.Lock()
		f.polls++
		n := f.polls
		f.mu.Unlock()
		switch {
		case f.failTask:
			writeEnvelope(w, 0, map[string]any{"state": bcutStateFailed})
		case n < 3:
			writeEnvelope(w, 0, map[string]any{"state": 1})
		default:
			result := `{"language":"zh","utterances":[{"start_time":0,"end_time":1500,"transcript":"大家好"},{"start_time":1500,"end_time":3200,"transcript":"今天讲 Go"}]}`
			writeEnvelope(w, 0, map[string]any{"state": bcutStateDone, "result": result})
		}
	})
	return mux
}

func newTestBcut(t *testing.T, f *fakeBcut) *Bcut {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(f.handler(func() string { return srv.URL }))
	t.Cleanup(srv.Close)
	return NewBcut(BcutConfig{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: time.Millisecond, MaxPolls: 10})
}

func writeAudio(t *testing.T, content string) brief.AudioFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bili-BV1-x.m4a")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return brief.AudioFile{Path: path, Size: int64(len(content))}
}

func TestBcutTranscribe(t *testing.T) {
	f := &fakeBcut{}
	c := newTestBcut(t, f)

	tr, err := c.Transcribe(context.Background(), writeAudio(t, "0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Source != "asr" || tr.Language != "zh" || len(tr.Segments) != 2 {
		t.Fatalf("transcript = %+v", tr)
	}
	if tr.Segments[1].Start != 1500*time.Millisecond || tr.Segments[1].Text != "今天讲 Go" {
		t.Errorf("segment = %+v", tr.Segments[1])
	}
	if strings.Join(f.parts, "|") != "0123|4567|89" {
		t.Errorf("uploaded parts = %q", f.parts)
	}
	if f.commit["Etags"] != "etag-0,etag-1,etag-2" || f.commit["InBossKey"] != "boss" {
		t.Errorf("commit = %v", f.commit)
	}
	if f.polls != 3 {
		t.Errorf("polls = %d", f.polls)
	}
}

func TestBcutTaskFailure(t *testing.T) {
	c := newTestBcut(t, &fakeBcut{failTask: true})

	_, err := c.Transcribe(context.Background(), writeAudio(t, "abc"))
	if !errors.Is(err, ErrASRFailed) {
		t.Fatalf("err = %v, want ErrASRFailed", err)
	}
}

func TestBcutEmptyFile(t *testing.T) {
	c := newTestBcut(t, &fakeBcut{})
	if _, err := c.Transcribe(context.Background(), writeAudio(t, "")); err == nil {
		t.Fatal("expected an error for empty audio")
	}
}
