package briefserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go_brief/internal/engine/brief"
)

// Checker runs a manual subscription check for one scope.
type Checker interface {
	CheckNow(ctx context.Context, scope brief.Scope) ([]brief.CheckResult, error)
}

// PublishHistory answers the publish status command.
type PublishHistory interface {
	LatestPublishRecord(ctx context.Context) (brief.PublishRecord, bool, error)
}

// FailureLog lists archived failed runs.
type FailureLog interface {
	RecentFailures(ctx context.Context, limit int) ([]brief.RunRecord, error)
}

// Deps are the collaborators a Service routes commands to.
type Deps struct {
	Options       brief.Options
	Resolver      *brief.Resolver
	Directory     brief.CreatorDirectory
	Sessions      *brief.SessionStore
	Runner        brief.PipelineRunner
	Checker       Checker
	Subscriptions brief.SubscriptionStore
	Targets       brief.TargetStore
	Publishes     PublishHistory
	Messenger     brief.Messenger // asynchronous follow-ups; nil drops them
	Failures      FailureLog      // optional
}

// Service turns chat commands into replies.
type Service struct {
	deps   Deps
	policy brief.AccessPolicy
	extra  []brief.Scope

	bg sync.WaitGroup
}

// NewService builds a command service.
func NewService(deps Deps) *Service {
	return &Service{
		deps:   deps,
		policy: deps.Options.Access(),
		extra:  deps.Options.ConfigTargets(),
	}
}

// Wait blocks until background follow-ups (login polling) have finished.
func (s *Service) Wait() { s.bg.Wait() }

func text(s string) brief.Message { return brief.Message{Text: s} }

// Handle parses and executes one command. Failures become reply text;
// the returned error is only set for text that is not a command.
func (s *Service) Handle(ctx context.Context, scope brief.Scope, input string) ([]brief.Message, error) {
	cmd, err := ParseCommand(input)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, scope, cmd), nil
}

// Execute routes a parsed command to its handler.
func (s *Service) Execute(ctx context.Context, scope brief.Scope, cmd Command) []brief.Message {
	start := time.Now()
	if cmd.Kind != CmdHelp {
		if err := s.policy.Check(scope); err != nil {
			slog.Info("command denied", slog.String("scope", scope.String()), slog.String("command", cmd.Kind.String()))
			return []brief.Message{text(s.userMessage(err))}
		}
	}

	var (
		out []brief.Message
		err error
	)
	switch cmd.Kind {
	case CmdHelp:
		out = s.help()
	case CmdSummarize:
		out, err = s.summarize(ctx, cmd.Arg)
	case CmdLatest:
		out, err = s.latest(ctx, cmd.Arg)
	case CmdLogin:
		out, err = s.login(ctx, scope)
	case CmdLogout:
		out, err = s.logout(ctx)
	case CmdSubscribe:
		out, err = s.subscribe(ctx, scope, cmd.Arg)
	case CmdUnsubscribe:
		out, err = s.unsubscribe(ctx, scope, cmd.Arg)
	case CmdListSubscriptions:
		out, err = s.listSubscriptions(ctx, scope)
	case CmdCheckNow:
		out, err = s.checkNow(ctx, scope)
	case CmdAddPushGroup:
		out, err = s.addPushTarget(ctx, scope, brief.KindGroup, cmd.Arg)
	case CmdAddPushUser:
		out, err = s.addPushTarget(ctx, scope, brief.KindUser, cmd.Arg)
	case CmdListPushTargets:
		out, err = s.listPushTargets(ctx, scope)
	case CmdRemovePushTarget:
		out, err = s.removePushTarget(ctx, scope, cmd.Arg)
	case CmdPublishStatus:
		out, err = s.publishStatus(ctx)
	default:
		err = ErrUnknownCommand
	}

	if err != nil {
		slog.Warn("command failed",
			slog.String("scope", scope.String()),
			slog.String("command", cmd.Kind.String()),
			slog.Any("error", err))
		out = append(out, text(s.userMessage(err)))
	} else {
		slog.Info("command handled",
			slog.String("scope", scope.String()),
			slog.String("command", cmd.Kind.String()),
			slog.Duration("elapsed", time.Since(start)))
	}
	return out
}

func (s *Service) userMessage(err error) string {
	var ue usageError
	if errors.As(err, &ue) {
		return string(ue)
	}
	return brief.UserMessage(err, s.deps.Options.DebugMode)
}

// usageError is a missing or malformed argument; its text is the reply.
type usageError string

func (e usageError) Error() string { return string(e) }

// --- Help ---

func (s *Service) help() []brief.Message {
	status := "❌ 未登录"
	if s.deps.Sessions != nil {
		switch s.deps.Sessions.State() {
		case brief.LoggedIn:
			status = "✅ 已登录"
		case brief.AwaitingScan:
			status = "⏳ 等待扫码"
		}
	}
	output := "图片"
	if !s.deps.Options.OutputImage {
		output = "文字"
	}
	var b strings.Builder
	b.WriteString("📝 BiliBrief 视频纪要助手\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "🔐 B站登录状态: %s\n\n", status)
	b.WriteString("📌 登录命令:\n")
	b.WriteString("  /B站登录 → 扫码登录B站\n")
	b.WriteString("  /B站登出 → 退出B站登录\n\n")
	b.WriteString("📌 基本命令:\n")
	b.WriteString("  /总结 <B站视频链接或BV号>\n    → 为指定视频生成AI总结\n")
	b.WriteString("  /最新视频 <UP主UID、空间链接或昵称>\n    → 获取UP主最新视频并生成总结\n\n")
	b.WriteString("📌 订阅管理:\n")
	b.WriteString("  /订阅 <UP主UID、空间链接或昵称>\n    → 订阅UP主，有新视频自动推送总结\n")
	b.WriteString("  /取消订阅 <UP主UID、空间链接或昵称>\n    → 取消订阅\n")
	b.WriteString("  /订阅列表\n    → 查看当前订阅的UP主\n")
	b.WriteString("  /检查更新\n    → 手动检查订阅UP主的新视频\n\n")
	b.WriteString("📌 推送目标:\n")
	b.WriteString("  /添加推送群 <群号>\n    → 将QQ群加入推送列表\n")
	b.WriteString("  /添加推送号 <QQ号>\n    → 将QQ号加入推送列表\n")
	b.WriteString("  /推送列表\n    → 查看当前推送目标\n")
	b.WriteString("  /移除推送 <群号或QQ号>\n    → 移除推送目标\n\n")
	b.WriteString("📌 飞书:\n")
	b.WriteString("  /飞书发布状态\n    → 查看最近一次飞书发布结果\n\n")
	b.WriteString("💡 示例:\n")
	b.WriteString("  /总结 https://www.bilibili.com/video/BV1xx411c7mD\n")
	b.WriteString("  /总结 BV1xx411c7mD\n")
	b.WriteString("  /订阅 123456789\n")
	b.WriteString("  /添加推送群 123456789\n\n")
	fmt.Fprintf(&b, "ℹ️ 总结当前以%s形式发送，可在配置中切换", output)
	return []brief.Message{text(b.String())}
}

// --- Summaries ---

func (s *Service) summarize(ctx context.Context, arg string) ([]brief.Message, error) {
	if arg == "" {
		return nil, usageError("❌ 请提供B站视频链接或BV号\n用法: /总结 <视频链接或BV号>")
	}
	v, err := s.deps.Resolver.ResolveVideo(ctx, arg)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, v, "")
}

func (s *Service) latest(ctx context.Context, arg string) ([]brief.Message, error) {
	if arg == "" {
		return nil, usageError("❌ 请提供UP主UID、空间链接或昵称\n用法: /最新视频 <UP主UID或昵称>")
	}
	c, err := s.deps.Resolver.ResolveCreator(ctx, arg)
	if err != nil {
		return nil, err
	}
	ups, err := s.deps.Directory.LatestUploads(ctx, c.UID, 1)
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, usageError(fmt.Sprintf("❌ 未找到UP主%s的视频", c.Label()))
	}
	v := ups[0]
	header := fmt.Sprintf("📺 UP主%s的最新视频:\n%s\n🔗 %s", c.Label(), v.Title, v.URL())
	return s.run(ctx, v, header)
}

// run executes the pipeline and turns the result into replies.
func (s *Service) run(ctx context.Context, v brief.VideoRef, header string) ([]brief.Message, error) {
	res, err := s.deps.Runner.Run(ctx, v, s.deps.Options.Style(), s.deps.Options.RunOptions(brief.TriggerManual))
	if err != nil {
		if header != "" {
			return []brief.Message{text(header)}, err
		}
		return nil, err
	}
	return resultMessages(res, header), nil
}

// resultMessages renders a finished run: the artifact, then the publish line.
func resultMessages(res *brief.Result, header string) []brief.Message {
	var out []brief.Message
	a := res.Artifact
	if a.Kind == brief.ArtifactImage {
		out = append(out, brief.Message{Text: header, Image: a.Image})
	} else if header != "" {
		out = append(out, text(header+"\n"+a.Text))
	} else {
		out = append(out, text(a.Text))
	}
	if line := publishLine(res.Publish); line != "" {
		out = append(out, text(line))
	}
	return out
}

func publishLine(rec *brief.PublishRecord) string {
	if rec == nil {
		return ""
	}
	switch rec.Status {
	case brief.PublishSuccess:
		if rec.DocURL != "" {
			return "📚 飞书发布成功：" + rec.DocURL
		}
		return "📚 飞书发布成功"
	case brief.PublishFailed:
		reason := rec.Reason
		if reason == "" {
			reason = "未知错误"
		}
		return "⚠️ 飞书发布失败：" + reason
	}
	return ""
}

// --- Login ---

func (s *Service) login(ctx context.Context, scope brief.Scope) ([]brief.Message, error) {
	if s.deps.Sessions == nil {
		return nil, usageError("❌ 登录功能未启用")
	}
	ch, err := s.deps.Sessions.BeginLogin(ctx)
	if err != nil {
		return nil, err
	}

	ttl := time.Until(ch.ExpiresAt).Round(time.Second)
	caption := fmt.Sprintf("📱 请使用B站App扫描二维码登录\n⏰ 二维码%d秒内有效", int(ttl.Seconds()))

	s.bg.Go(func() {
		// The reply has already been sent; the outcome goes out as a new message.
		err := s.deps.Sessions.AwaitLogin(context.WithoutCancel(ctx), ch.ID)
		if errors.Is(err, brief.ErrChallengeSuperseded) {
			return
		}
		msg := "✅ B站登录成功！现在可以使用所有功能了。"
		if err != nil {
			msg = s.userMessage(err)
		}
		s.notify(context.WithoutCancel(ctx), scope, msg)
	})
	return []brief.Message{{Text: caption, Image: ch.PNG}}, nil
}

func (s *Service) notify(ctx context.Context, scope brief.Scope, msg string) {
	if s.deps.Messenger == nil {
		slog.Info("follow-up dropped, no messenger", slog.String("scope", scope.String()), slog.String("text", msg))
		return
	}
	if err := s.deps.Messenger.Send(ctx, scope, text(msg)); err != nil {
		slog.Warn("follow-up delivery failed", slog.String("scope", scope.String()), slog.Any("error", err))
	}
}

func (s *Service) logout(ctx context.Context) ([]brief.Message, error) {
	if s.deps.Sessions == nil {
		return []brief.Message{text("ℹ️ 当前未登录B站")}, nil
	}
	wasIn, err := s.deps.Sessions.Logout(ctx)
	if err != nil {
		return nil, err
	}
	if !wasIn {
		return []brief.Message{text("ℹ️ 当前未登录B站")}, nil
	}
	return []brief.Message{text("✅ 已退出B站登录")}, nil
}

// --- Subscriptions ---

func (s *Service) subscribe(ctx context.Context, scope brief.Scope, arg string) ([]brief.Message, error) {
	if arg == "" {
		return nil, usageError("❌ 请提供UP主UID、空间链接或昵称\n用法: /订阅 <UP主UID或昵称>")
	}
	c, err := s.deps.Resolver.ResolveCreator(ctx, arg)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Subscriptions.AddSubscription(ctx, scope, c, s.deps.Options.MaxSubscriptions); err != nil {
		if errors.Is(err, brief.ErrLimitExceeded) {
			return nil, usageError(fmt.Sprintf("❌ 已达到最大订阅数 (%d)", s.deps.Options.MaxSubscriptions))
		}
		if errors.Is(err, brief.ErrAlreadySubscribed) {
			return nil, usageError("⚠️ 已经订阅了 UP主" + c.Label())
		}
		return nil, err
	}
	msg := "✅ 成功订阅 UP主" + c.Label() + "\n有新视频时将自动推送总结"
	if !s.deps.Options.EnableAutoPush {
		msg += "\n⚠️ 自动推送当前未开启，可使用 /检查更新 手动检查"
	}
	return []brief.Message{text(msg)}, nil
}

// unsubscribe matches the scope's own subscriptions by UID or name first,
// so removing a creator needs no network lookup.
func (s *Service) unsubscribe(ctx context.Context, scope brief.Scope, arg string) ([]brief.Message, error) {
	if arg == "" {
		return nil, usageError("❌ 请提供UP主UID、空间链接或昵称\n用法: /取消订阅 <UP主UID或昵称>")
	}
	subs, err := s.deps.Subscriptions.Subscriptions(ctx, scope)
	if err != nil {
		return nil, err
	}
	target := brief.CreatorRef{}
	for _, sub := range subs {
		if sub.Creator.UID == arg || sub.Creator.Name == arg {
			target = sub.Creator
			break
		}
	}
	if target.UID == "" {
		if target, err = s.deps.Resolver.ResolveCreator(ctx, arg); err != nil {
			return nil, err
		}
	}
	ok, err := s.deps.Subscriptions.RemoveSubscription(ctx, scope, target.UID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []brief.Message{text(fmt.Sprintf("⚠️ 未找到该订阅 (UID:%s)", target.UID))}, nil
	}
	return []brief.Message{text("✅ 已取消订阅 UP主" + target.Label())}, nil
}

func (s *Service) listSubscriptions(ctx context.Context, scope brief.Scope) ([]brief.Message, error) {
	subs, err := s.deps.Subscriptions.Subscriptions(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []brief.Message{text("📋 当前没有订阅任何UP主\n使用 /订阅 <UID或昵称> 添加订阅")}, nil
	}
	lines := []string{"📋 当前订阅列表:", "━━━━━━━━━━━━━━━━━━━"}
	for i, sub := range subs {
		name := sub.Creator.Name
		if name == "" {
			name = "未知"
		}
		lines = append(lines, fmt.Sprintf("  %d. %s (UID:%s)", i+1, name, sub.Creator.UID))
	}
	lines = append(lines, fmt.Sprintf("\n共 %d 个订阅", len(subs)))
	return []brief.Message{text(strings.Join(lines, "\n"))}, nil
}

func (s *Service) checkNow(ctx context.Context, scope brief.Scope) ([]brief.Message, error) {
	subs, err := s.deps.Subscriptions.Subscriptions(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []brief.Message{text("📋 当前没有订阅任何UP主，无法检查更新")}, nil
	}

	results, err := s.deps.Checker.CheckNow(ctx, scope)
	if err != nil {
		return nil, err
	}
	var (
		out   []brief.Message
		found int
	)
	for _, r := range results {
		if r.Video == nil {
			if r.Err != nil {
				slog.Warn("check: creator failed", slog.String("uid", r.Creator.UID), slog.Any("error", r.Err))
			}
			continue
		}
		found++
		header := brief.NewUploadHeader(r.Creator, *r.Video)
		if r.Err != nil {
			out = append(out, text(header+"\n"+s.userMessage(r.Err)))
			continue
		}
		out = append(out, resultMessages(r.Result, header)...)
	}
	if found == 0 {
		out = append(out, text("✅ 检查完成，所有订阅的UP主暂无新视频"))
	} else {
		out = append(out, text(fmt.Sprintf("✅ 检查完成，共发现 %d 个新视频", found)))
	}
	return out, nil
}

// --- Push targets ---

func (s *Service) addPushTarget(ctx context.Context, scope brief.Scope, kind brief.TargetKind, arg string) ([]brief.Message, error) {
	dest, err := brief.ParseScope(string(kind) + ":" + strings.TrimSpace(arg))
	if err != nil {
		if kind == brief.KindGroup {
			return nil, usageError("❌ 请提供QQ群号\n用法: /添加推送群 <群号>")
		}
		return nil, usageError("❌ 请提供QQ号\n用法: /添加推送号 <QQ号>")
	}
	if err := s.policy.Check(dest); err != nil {
		return nil, err
	}
	added, err := s.deps.Targets.AddPushTarget(ctx, brief.PushTarget{Owner: scope, Dest: dest})
	if err != nil {
		return nil, err
	}
	if !added {
		return []brief.Message{text(fmt.Sprintf("⚠️ %s 已在推送列表中", dest.Label()))}, nil
	}
	return []brief.Message{text("✅ 已添加推送目标: " + dest.Label())}, nil
}

func (s *Service) listPushTargets(ctx context.Context, scope brief.Scope) ([]brief.Message, error) {
	targets, err := s.deps.Targets.PushTargets(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 && len(s.extra) == 0 {
		return []brief.Message{text("📋 当前没有配置推送目标\n" +
			"使用 /添加推送群 <群号> 或 /添加推送号 <QQ号> 添加\n" +
			"⚠️ 未配置推送目标时，总结将推送到发起订阅的会话")}, nil
	}
	lines := []string{"📋 当前推送目标:", "━━━━━━━━━━━━━━━━━━━"}
	n := 0
	for _, t := range targets {
		n++
		lines = append(lines, fmt.Sprintf("  %d. %s", n, t.Dest.Label()))
	}
	for _, t := range s.extra {
		n++
		lines = append(lines, fmt.Sprintf("  %d. %s (配置文件)", n, t.Label()))
	}
	lines = append(lines, fmt.Sprintf("\n共 %d 个推送目标", n))
	return []brief.Message{text(strings.Join(lines, "\n"))}, nil
}

func (s *Service) removePushTarget(ctx context.Context, scope brief.Scope, arg string) ([]brief.Message, error) {
	id := strings.TrimSpace(arg)
	id = strings.TrimPrefix(strings.TrimPrefix(id, "群"), "QQ")
	if id == "" {
		return nil, usageError("❌ 请提供要移除的群号或QQ号\n用法: /移除推送 <群号或QQ号>")
	}
	ok, err := s.deps.Targets.RemovePushTarget(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []brief.Message{text("⚠️ 未找到该推送目标: " + id)}, nil
	}
	return []brief.Message{text("✅ 已移除推送目标: " + id)}, nil
}

// --- Publish status ---

func (s *Service) publishStatus(ctx context.Context) ([]brief.Message, error) {
	if s.deps.Publishes == nil {
		return []brief.Message{text("ℹ️ 暂无飞书发布记录")}, nil
	}
	rec, ok, err := s.deps.Publishes.LatestPublishRecord(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []brief.Message{text("ℹ️ 暂无飞书发布记录")}, nil
	}
	return []brief.Message{text(PublishStatusText(rec))}, nil
}

// PublishStatusText renders a publish record for chat.
func PublishStatusText(rec brief.PublishRecord) string {
	switch rec.Status {
	case brief.PublishSkipped:
		reason := rec.Reason
		if reason == "" {
			reason = "unknown"
		}
		return "ℹ️ 最近一次未尝试飞书发布: " + reason
	case brief.PublishSuccess:
		var b strings.Builder
		b.WriteString("✅ 最近一次飞书发布成功")
		if rec.Title != "" {
			b.WriteString("\n📄 " + rec.Title)
		}
		if rec.DocURL != "" {
			b.WriteString("\n📚 " + rec.DocURL)
		}
		fmt.Fprintf(&b, "\n🖼️ 图片绑定: 成功 %d / 失败 %d", rec.ImagesOK, rec.ImagesFailed)
		return b.String()
	}
	reason := rec.Reason
	if reason == "" {
		reason = rec.Error
	}
	if reason == "" {
		reason = "未知错误"
	}
	return "❌ 最近一次飞书发布失败\n原因: " + reason
}
