package engine

import (
	"strings"
	"testing"
	"time"
)

func TestNewBrowserClient(t *testing.T) {
	bc, err := NewBrowserClient(0)
	if err != nil {
		t.Fatalf("NewBrowserClient() error = %v", err)
	}
	if bc == nil || bc.client == nil {
		t.Fatal("NewBrowserClient() returned an empty client")
	}
}

func TestBiliHeaders(t *testing.T) {
	h := BiliHeaders("")
	for _, key := range []string{"accept", "referer", "origin", "user-agent"} {
		if h[key] == "" {
			t.Errorf("BiliHeaders() missing key %q", key)
		}
	}
	if !strings.Contains(h["user-agent"], "Chrome") {
		t.Errorf("user-agent should impersonate Chrome: %q", h["user-agent"])
	}
	if got := BiliHeaders("https://www.bilibili.com/video/BV1")["referer"]; got != "https://www.bilibili.com/video/BV1" {
		t.Errorf("custom referer not kept: %q", got)
	}
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{75 * time.Second, "01:15"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.in); got != tt.want {
			t.Errorf("FormatClock(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRuneLen(t *testing.T) {
	if got := RuneLen("总结abc"); got != 5 {
		t.Errorf("RuneLen = %d, want 5", got)
	}
}
