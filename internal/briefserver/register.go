package briefserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine"
	"github.com/anatolykoptev/go_brief/internal/engine/brief"
	"github.com/anatolykoptev/go_brief/internal/toolutil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CommandInput is the input of brief_command.
type CommandInput struct {
	Scope string `json:"scope" jsonschema:"Chat context the command comes from: group:<id>, user:<id>, 群<id> or QQ<id>"`
	Text  string `json:"text" jsonschema:"The chat message, e.g. /总结 BV1xx411c7mD or /订阅 123456"`
}

// SummarizeInput is the input of brief_summarize.
type SummarizeInput struct {
	Scope string `json:"scope" jsonschema:"Chat context the request comes from"`
	Video string `json:"video" jsonschema:"Video link, short link, BV id or av id"`
}

// ScopeInput names a chat context.
type ScopeInput struct {
	Scope string `json:"scope" jsonschema:"Chat context: group:<id>, user:<id>, 群<id> or QQ<id>"`
}

// RepliesOutput is what a chat user would see.
type RepliesOutput struct {
	Command string           `json:"command,omitempty"`
	Replies []toolutil.Reply `json:"replies"`
}

// SubscriptionsOutput lists a scope's subscriptions and push targets.
type SubscriptionsOutput struct {
	Scope         string               `json:"scope"`
	Subscriptions []brief.Subscription `json:"subscriptions"`
	PushTargets   []brief.Scope        `json:"push_targets"`
	ConfigTargets []brief.Scope        `json:"config_targets,omitempty"`
}

// StatusOutput is the deployment's health at a glance.
type StatusOutput struct {
	Login          string              `json:"login"`
	AutoPush       bool                `json:"auto_push"`
	Metrics        map[string]int64    `json:"metrics"`
	LatestPublish  *brief.PublishRecord `json:"latest_publish,omitempty"`
	RecentFailures []FailureSummary    `json:"recent_failures,omitempty"`
}

// FailureSummary is one archived failed run.
type FailureSummary struct {
	RunID   string    `json:"run_id"`
	VideoID string    `json:"video_id"`
	Trigger string    `json:"trigger"`
	Stage   string    `json:"stage,omitempty"`
	Error   string    `json:"error"`
	Started time.Time `json:"started"`
}

// RegisterTools registers the bot tools on the given MCP server:
// brief_command, brief_summarize, brief_subscriptions, brief_status.
func RegisterTools(server *mcp.Server, svc *Service) {
	registerCommand(server, svc)
	registerSummarize(server, svc)
	registerSubscriptions(server, svc)
	registerStatus(server, svc)
}

func registerCommand(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "brief_command",
		Description: "Run one chat command of the Bilibili summary bot as if it was sent in the given group or private chat. Supports /总结, /最新视频, /B站登录, /B站登出, /订阅, /取消订阅, /订阅列表, /检查更新, /添加推送群, /添加推送号, /推送列表, /移除推送, /飞书发布状态 and /总结帮助. Returns the replies; images are PNG.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input CommandInput) (*mcp.CallToolResult, *RepliesOutput, error) {
		scope, err := toolutil.ParseScope(input.Scope)
		if err != nil {
			return nil, nil, err
		}
		cmd, err := ParseCommand(input.Text)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q", err, input.Text)
		}
		msgs := svc.Execute(ctx, scope, cmd)
		return nil, &RepliesOutput{Command: cmd.Kind.String(), Replies: toolutil.Replies(msgs)}, nil
	})
}

func registerSummarize(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "brief_summarize",
		Description: "Summarize one Bilibili video into a structured note. Uses subtitles when present, otherwise transcribes the audio. Returns the rendered note (PNG card or text) and the knowledge-base publish outcome. Takes one to three minutes.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input SummarizeInput) (*mcp.CallToolResult, *RepliesOutput, error) {
		if input.Video == "" {
			return nil, nil, errors.New("video is required")
		}
		scope, err := toolutil.ParseScope(input.Scope)
		if err != nil {
			return nil, nil, err
		}
		msgs := svc.Execute(ctx, scope, Command{Kind: CmdSummarize, Arg: input.Video})
		return nil, &RepliesOutput{Command: CmdSummarize.String(), Replies: toolutil.Replies(msgs)}, nil
	})
}

func registerSubscriptions(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "brief_subscriptions",
		Description: "List the creators a chat context is subscribed to and where its summaries are pushed.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input ScopeInput) (*mcp.CallToolResult, *SubscriptionsOutput, error) {
		scope, err := toolutil.ParseScope(input.Scope)
		if err != nil {
			return nil, nil, err
		}
		if err := svc.policy.Check(scope); err != nil {
			return nil, nil, err
		}
		subs, err := svc.deps.Subscriptions.Subscriptions(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
		targets, err := svc.deps.Targets.PushTargets(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
		out := &SubscriptionsOutput{
			Scope:         scope.String(),
			Subscriptions: subs,
			PushTargets:   make([]brief.Scope, 0, len(targets)),
			ConfigTargets: svc.extra,
		}
		for _, t := range targets {
			out.PushTargets = append(out.PushTargets, t.Dest)
		}
		return nil, out, nil
	})
}

func registerStatus(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "brief_status",
		Description: "Show the bot's login state, pipeline counters, the latest knowledge-base publish and recent failed runs.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, *StatusOutput, error) {
		return nil, svc.Status(ctx), nil
	})
}

// Status collects the brief_status report. Missing sources are left out.
func (s *Service) Status(ctx context.Context) *StatusOutput {
	out := &StatusOutput{
		Login:    brief.LoggedOut.String(),
		AutoPush: s.deps.Options.EnableAutoPush,
		Metrics:  engine.GetMetrics(),
	}
	if s.deps.Sessions != nil {
		out.Login = s.deps.Sessions.State().String()
	}
	if s.deps.Publishes != nil {
		if rec, ok, err := s.deps.Publishes.LatestPublishRecord(ctx); err != nil {
			slog.Warn("status: publish record", slog.Any("error", err))
		} else if ok {
			out.LatestPublish = &rec
		}
	}
	if s.deps.Failures != nil {
		recs, err := s.deps.Failures.RecentFailures(ctx, 10)
		if err != nil {
			slog.Warn("status: run log", slog.Any("error", err))
		}
		for _, r := range recs {
			out.RecentFailures = append(out.RecentFailures, FailureSummary{
				RunID: r.RunID, VideoID: r.VideoID, Trigger: string(r.Trigger),
				Stage: r.Stage, Error: r.Error, Started: r.Started,
			})
		}
	}
	return out
}
