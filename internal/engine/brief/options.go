package brief

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minNoteLength keeps room for at least a heading next to the truncation marker.
const minNoteLength = 50

// Options is the operator-facing configuration, loaded from YAML.
type Options struct {
	OutputImage     bool   `yaml:"output_image"`
	NoteStyle       string `yaml:"note_style"`
	EnableLink      bool   `yaml:"enable_link"`
	EnableSummary   bool   `yaml:"enable_summary"`
	DownloadQuality string `yaml:"download_quality"`
	MaxNoteLength   int    `yaml:"max_note_length"`

	EnableAutoPush       bool     `yaml:"enable_auto_push"`
	CheckIntervalMinutes int      `yaml:"check_interval_minutes"`
	MaxSubscriptions     int      `yaml:"max_subscriptions"`
	PushGroups           []string `yaml:"push_groups"`
	PushUsers            []string `yaml:"push_users"`

	EnableFeishuWikiPush  bool   `yaml:"enable_feishu_wiki_push"`
	FeishuPushOnManual    bool   `yaml:"feishu_push_on_manual"`
	FeishuPushOnAuto      bool   `yaml:"feishu_push_on_auto"`
	FeishuAppID           string `yaml:"feishu_app_id"`
	FeishuAppSecret       string `yaml:"feishu_app_secret"`
	FeishuWikiSpaceID     string `yaml:"feishu_wiki_space_id"`
	FeishuParentNodeToken string `yaml:"feishu_parent_node_token"`
	FeishuTitlePrefix     string `yaml:"feishu_title_prefix"`
	FeishuDomain          string `yaml:"feishu_domain"`

	AccessMode string   `yaml:"access_mode"`
	GroupList  []string `yaml:"group_list"`
	DebugMode  bool     `yaml:"debug_mode"`

	MaxConcurrentRuns  int `yaml:"max_concurrent_runs"`
	RunTimeoutMinutes  int `yaml:"run_timeout_minutes"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	LLMTimeoutSeconds  int `yaml:"llm_timeout_seconds"`
	StageRetries       int `yaml:"stage_retries"`
}

// DefaultOptions returns the shipped defaults.
func DefaultOptions() Options {
	return Options{
		OutputImage:          true,
		NoteStyle:            string(StyleDetailed),
		EnableLink:           true,
		EnableSummary:        true,
		DownloadQuality:      string(QualityFast),
		MaxNoteLength:        3000,
		EnableAutoPush:       true,
		CheckIntervalMinutes: 30,
		MaxSubscriptions:     20,
		FeishuPushOnManual:   true,
		FeishuPushOnAuto:     true,
		FeishuTitlePrefix:    "BiliBrief纪要",
		FeishuDomain:         "feishu",
		AccessMode:           string(AccessBlacklist),
		MaxConcurrentRuns:    2,
		RunTimeoutMinutes:    15,
		CallTimeoutSeconds:   180,
		LLMTimeoutSeconds:    300,
		StageRetries:         2,
	}
}

// LoadOptions reads path over the defaults. A missing file yields defaults.
func LoadOptions(path string) (Options, error) {
	o := DefaultOptions()
	if path == "" {
		return o, o.Validate()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return o, o.Validate()
	}
	if err != nil {
		return o, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse options %s: %w", path, err)
	}
	return o, o.Validate()
}

// Validate rejects bad enum values and ranges.
func (o Options) Validate() error {
	var errs []error
	if _, err := ParseStyle(o.NoteStyle); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseQuality(o.DownloadQuality); err != nil {
		errs = append(errs, err)
	}
	if _, err := NewAccessPolicy(o.AccessMode, o.GroupList); err != nil {
		errs = append(errs, err)
	}
	switch o.FeishuDomain {
	case "feishu", "lark":
	default:
		errs = append(errs, fmt.Errorf("feishu_domain must be feishu or lark, got %q", o.FeishuDomain))
	}
	if o.CheckIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("check_interval_minutes must be >= 1, got %d", o.CheckIntervalMinutes))
	}
	if o.MaxSubscriptions < 1 {
		errs = append(errs, fmt.Errorf("max_subscriptions must be >= 1, got %d", o.MaxSubscriptions))
	}
	if o.MaxNoteLength < 0 || (o.MaxNoteLength > 0 && o.MaxNoteLength < minNoteLength) {
		errs = append(errs, fmt.Errorf("max_note_length must be 0 or >= %d, got %d", minNoteLength, o.MaxNoteLength))
	}
	if o.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_runs must be >= 1, got %d", o.MaxConcurrentRuns))
	}
	if o.RunTimeoutMinutes < 1 || o.CallTimeoutSeconds < 1 || o.LLMTimeoutSeconds < 1 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if o.StageRetries < 0 {
		errs = append(errs, fmt.Errorf("stage_retries must be >= 0, got %d", o.StageRetries))
	}
	for _, id := range append(append([]string{}, o.PushGroups...), o.PushUsers...) {
		if !isDigits(strings.TrimSpace(id)) {
			errs = append(errs, fmt.Errorf("push target %q is not numeric", id))
		}
	}
	if o.EnableFeishuWikiPush && (o.FeishuAppID == "" || o.FeishuAppSecret == "" || o.FeishuWikiSpaceID == "") {
		errs = append(errs, errors.New("feishu wiki push needs feishu_app_id, feishu_app_secret and feishu_wiki_space_id"))
	}
	return errors.Join(errs...)
}

// Style returns the validated note style.
func (o Options) Style() Style {
	s, err := ParseStyle(o.NoteStyle)
	if err != nil {
		return StyleDetailed
	}
	return s
}

// Quality returns the validated download quality.
func (o Options) Quality() Quality {
	q, err := ParseQuality(o.DownloadQuality)
	if err != nil {
		return QualityFast
	}
	return q
}

// Access returns the configured access policy.
func (o Options) Access() AccessPolicy {
	p, err := NewAccessPolicy(o.AccessMode, o.GroupList)
	if err != nil {
		return AccessPolicy{Mode: AccessBlacklist}
	}
	return p
}

// CheckInterval is the scheduler tick period.
func (o Options) CheckInterval() time.Duration {
	return time.Duration(o.CheckIntervalMinutes) * time.Minute
}

// ConfigTargets are the operator-wide push destinations.
func (o Options) ConfigTargets() []Scope {
	var out []Scope
	for _, id := range o.PushGroups {
		out = append(out, Scope{Kind: KindGroup, ID: strings.TrimSpace(id)})
	}
	for _, id := range o.PushUsers {
		out = append(out, Scope{Kind: KindUser, ID: strings.TrimSpace(id)})
	}
	return out
}

// Trigger says what started a pipeline run.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// RunOptions derives pipeline options for a trigger.
func (o Options) RunOptions(t Trigger) RunOptions {
	ro := RunOptions{
		Quality:       o.Quality(),
		EnableLink:    o.EnableLink,
		EnableSummary: o.EnableSummary,
		MaxNoteLength: o.MaxNoteLength,
		OutputImage:   o.OutputImage,
		Trigger:       t,
	}
	switch {
	case !o.EnableFeishuWikiPush:
		ro.PublishSkipReason = "未启用飞书知识库发布"
	case t == TriggerManual && !o.FeishuPushOnManual:
		ro.PublishSkipReason = "手动总结未开启飞书发布"
	case t == TriggerAuto && !o.FeishuPushOnAuto:
		ro.PublishSkipReason = "自动推送未开启飞书发布"
	default:
		ro.Publish = true
	}
	return ro
}

// OrchestratorConfig derives the pipeline limits.
func (o Options) OrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrent: o.MaxConcurrentRuns,
		RunTimeout:    time.Duration(o.RunTimeoutMinutes) * time.Minute,
		CallTimeout:   time.Duration(o.CallTimeoutSeconds) * time.Second,
		LLMTimeout:    time.Duration(o.LLMTimeoutSeconds) * time.Second,
		StageRetries:  o.StageRetries,
		Debug:         o.DebugMode,
	}
}
