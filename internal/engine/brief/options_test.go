package brief

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOptions_MissingFileUsesDefaults(t *testing.T) {
	o, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if o.Style() != StyleDetailed || o.CheckInterval() != 30*time.Minute || o.MaxSubscriptions != 20 {
		t.Errorf("unexpected defaults: %+v", o)
	}
}

func TestLoadOptions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brief.yaml")
	data := `
note_style: 专业
download_quality: slow
check_interval_minutes: 5
push_groups: ["111", "222"]
push_users: ["333"]
access_mode: whitelist
group_list: ["111"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	o, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if o.Style() != StyleProfessional {
		t.Errorf("Style = %q", o.Style())
	}
	if o.Quality() != QualitySlow || o.Quality().Policy().BitrateKbps != 128 {
		t.Errorf("Quality = %q", o.Quality())
	}
	if o.CheckInterval() != 5*time.Minute {
		t.Errorf("CheckInterval = %v", o.CheckInterval())
	}
	targets := o.ConfigTargets()
	if len(targets) != 3 || targets[2] != (Scope{Kind: KindUser, ID: "333"}) {
		t.Errorf("ConfigTargets = %v", targets)
	}
	if o.Access().Allows(Scope{Kind: KindGroup, ID: "999"}) {
		t.Error("whitelist should deny unlisted group")
	}
	// Untouched keys keep their defaults.
	if !o.EnableAutoPush {
		t.Error("enable_auto_push default lost")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errSub string
	}{
		{"defaults", func(*Options) {}, ""},
		{"bad style", func(o *Options) { o.NoteStyle = "poetic" }, "note style"},
		{"bad quality", func(o *Options) { o.DownloadQuality = "ultra" }, "download quality"},
		{"bad access", func(o *Options) { o.AccessMode = "maybe" }, "access mode"},
		{"bad domain", func(o *Options) { o.FeishuDomain = "slack" }, "feishu_domain"},
		{"zero interval", func(o *Options) { o.CheckIntervalMinutes = 0 }, "check_interval_minutes"},
		{"zero subscriptions", func(o *Options) { o.MaxSubscriptions = 0 }, "max_subscriptions"},
		{"tiny note length", func(o *Options) { o.MaxNoteLength = 10 }, "max_note_length"},
		{"unlimited note length", func(o *Options) { o.MaxNoteLength = 0 }, ""},
		{"non-numeric push id", func(o *Options) { o.PushGroups = []string{"abc"} }, "not numeric"},
		{"feishu without creds", func(o *Options) { o.EnableFeishuWikiPush = true }, "feishu wiki push"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			err := o.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("err = %v, want containing %q", err, tt.errSub)
			}
		})
	}
}

func TestOptionsRunOptions(t *testing.T) {
	tests := []struct {
		name        string
		wiki        bool
		manual      bool
		auto        bool
		trigger     Trigger
		wantPublish bool
		wantReason  string
	}{
		{"wiki off", false, true, true, TriggerManual, false, "未启用飞书知识库发布"},
		{"manual off", true, false, true, TriggerManual, false, "手动总结未开启飞书发布"},
		{"auto off", true, true, false, TriggerAuto, false, "自动推送未开启飞书发布"},
		{"manual on", true, true, false, TriggerManual, true, ""},
		{"auto on", true, false, true, TriggerAuto, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			o.EnableFeishuWikiPush, o.FeishuPushOnManual, o.FeishuPushOnAuto = tt.wiki, tt.manual, tt.auto
			ro := o.RunOptions(tt.trigger)
			if ro.Publish != tt.wantPublish || ro.PublishSkipReason != tt.wantReason {
				t.Errorf("RunOptions = publish %v reason %q", ro.Publish, ro.PublishSkipReason)
			}
			if ro.Trigger != tt.trigger {
				t.Errorf("Trigger = %q", ro.Trigger)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("group:123")
	if err != nil || s != (Scope{Kind: KindGroup, ID: "123"}) {
		t.Errorf("ParseScope = %v, %v", s, err)
	}
	for _, bad := range []string{"", "group", "group:", "chan:1", "user:abc"} {
		if _, err := ParseScope(bad); err == nil {
			t.Errorf("ParseScope(%q) should fail", bad)
		}
	}
	if s.String() != "group:123" || s.Label() != "群123" {
		t.Errorf("String/Label = %q/%q", s.String(), s.Label())
	}
}
