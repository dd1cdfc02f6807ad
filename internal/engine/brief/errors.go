package brief

import (
	"context"
	"errors"
	"fmt"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

var (
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrAmbiguousReference  = errors.New("ambiguous reference")
	ErrNotLoggedIn         = errors.New("not logged in")
	ErrAlreadyLoggedIn     = errors.New("already logged in")
	ErrChallengeExpired    = errors.New("login challenge expired")
	ErrChallengeSuperseded = errors.New("login challenge superseded")
	ErrLoginCancelled      = errors.New("login cancelled")
	ErrRenderFailure       = errors.New("render failed")
	ErrPublishFailure      = errors.New("publish failed")
	ErrLimitExceeded       = errors.New("subscription limit exceeded")
	ErrAlreadySubscribed   = errors.New("already subscribed")
	ErrAccessDenied        = errors.New("access denied")
	ErrRunTimeout          = errors.New("pipeline run timed out")
	ErrEmptyNote           = errors.New("model returned an empty note")
	ErrNoTranscript        = errors.New("no speech content found")

	// Shared with the transport adapters.
	ErrTransientNetwork = engine.ErrTransient
	ErrAuthInvalid      = engine.ErrAuthInvalid
)

// Stage names a pipeline step.
type Stage string

const (
	StageMetadata   Stage = "metadata"
	StageDownload   Stage = "download_audio"
	StageTranscript Stage = "transcript"
	StageSummarize  Stage = "summarize"
	StageNote       Stage = "note"
	StageRender     Stage = "render"
	StagePublish    Stage = "publish"
)

var stageLabels = map[Stage]string{
	StageMetadata:   "获取视频信息",
	StageDownload:   "下载音频",
	StageTranscript: "提取字幕/语音识别",
	StageSummarize:  "AI 总结",
	StageNote:       "整理笔记",
	StageRender:     "渲染图片",
	StagePublish:    "飞书发布",
}

// StageError reports which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErr wraps err with its stage unless it already names one.
func stageErr(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// UserMessage maps an error to the single line shown in chat.
// Internal detail is appended only in debug mode.
func UserMessage(err error, debug bool) string {
	if err == nil {
		return ""
	}
	msg := userLine(err)
	if debug {
		msg += "\n[debug] " + err.Error()
	}
	return msg
}

func userLine(err error) string {
	switch {
	case errors.Is(err, ErrUnresolvedReference):
		return "❌ 无法识别视频或UP主，请检查链接/BV号/UID"
	case errors.Is(err, ErrAmbiguousReference):
		return "⚠️ 找到多个同名UP主，请改用 UID 或主页链接"
	case errors.Is(err, ErrNotLoggedIn):
		return "🔒 B站未登录，请先发送 /B站登录 扫码登录"
	case errors.Is(err, ErrAuthInvalid):
		return "🔒 B站登录已失效，请重新发送 /B站登录"
	case errors.Is(err, ErrAlreadyLoggedIn):
		return "✅ B站已登录！如需重新登录请先 /B站登出"
	case errors.Is(err, ErrChallengeExpired):
		return "⏰ 二维码已过期，请重新发送 /B站登录"
	case errors.Is(err, ErrChallengeSuperseded):
		return "ℹ️ 已生成新的登录二维码，旧二维码作废"
	case errors.Is(err, ErrLoginCancelled):
		return "ℹ️ 登录已取消"
	case errors.Is(err, ErrLimitExceeded):
		return "❌ 订阅数已达上限"
	case errors.Is(err, ErrAlreadySubscribed):
		return "⚠️ 已经订阅过该UP主"
	case errors.Is(err, ErrAccessDenied):
		return "⛔ 当前会话无权使用此功能"
	case errors.Is(err, ErrRunTimeout):
		return "⏰ 总结超时，请稍后重试"
	case errors.Is(err, context.Canceled):
		return "ℹ️ 请求已取消"
	}

	var se *StageError
	if errors.As(err, &se) {
		label := stageLabels[se.Stage]
		if label == "" {
			label = string(se.Stage)
		}
		switch {
		case errors.Is(se.Err, ErrNoTranscript):
			return "❌ 该视频没有可用的字幕或语音内容"
		case errors.Is(se.Err, engine.ErrLLMDisabled):
			return "❌ 未配置 AI 模型，无法总结"
		case engine.IsTransient(se.Err):
			return fmt.Sprintf("❌ %s失败：网络异常，请稍后重试", label)
		}
		return fmt.Sprintf("❌ %s失败", label)
	}
	if engine.IsTransient(err) {
		return "❌ 网络异常，请稍后重试"
	}
	return "❌ 处理失败，请稍后重试"
}
