// Package briefserver exposes the bot's chat commands over MCP.
package briefserver

import (
	"errors"
	"strings"
)

// ErrUnknownCommand is returned for text that names no command.
var ErrUnknownCommand = errors.New("unknown command")

// Kind is one chat command.
type Kind int

const (
	CmdHelp Kind = iota + 1
	CmdSummarize
	CmdLatest
	CmdLogin
	CmdLogout
	CmdSubscribe
	CmdUnsubscribe
	CmdListSubscriptions
	CmdCheckNow
	CmdAddPushGroup
	CmdAddPushUser
	CmdListPushTargets
	CmdRemovePushTarget
	CmdPublishStatus
)

// Command is a parsed chat command. Arg is the trimmed remainder.
type Command struct {
	Kind Kind
	Arg  string
}

var kindNames = map[Kind]string{
	CmdHelp:              "总结帮助",
	CmdSummarize:         "总结",
	CmdLatest:            "最新视频",
	CmdLogin:             "B站登录",
	CmdLogout:            "B站登出",
	CmdSubscribe:         "订阅",
	CmdUnsubscribe:       "取消订阅",
	CmdListSubscriptions: "订阅列表",
	CmdCheckNow:          "检查更新",
	CmdAddPushGroup:      "添加推送群",
	CmdAddPushUser:       "添加推送号",
	CmdListPushTargets:   "推送列表",
	CmdRemovePushTarget:  "移除推送",
	CmdPublishStatus:     "飞书发布状态",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// aliases maps every accepted command word, lower-cased, to its kind.
var aliases = map[string]Kind{
	"总结帮助": CmdHelp, "bilibrief help": CmdHelp, "总结help": CmdHelp, "help": CmdHelp,
	"总结": CmdSummarize, "bilibrief": CmdSummarize, "视频总结": CmdSummarize,
	"最新视频": CmdLatest, "latest": CmdLatest,
	"b站登录": CmdLogin, "bili_login": CmdLogin, "哔哩登录": CmdLogin, "b站扫码登录": CmdLogin, "扫码登录": CmdLogin,
	"b站登出": CmdLogout, "bili_logout": CmdLogout, "哔哩登出": CmdLogout,
	"订阅": CmdSubscribe, "subscribe": CmdSubscribe, "关注up": CmdSubscribe,
	"取消订阅": CmdUnsubscribe, "unsubscribe": CmdUnsubscribe, "取关up": CmdUnsubscribe,
	"订阅列表": CmdListSubscriptions, "sublist": CmdListSubscriptions, "订阅列表查看": CmdListSubscriptions,
	"检查更新": CmdCheckNow, "check": CmdCheckNow, "手动检查": CmdCheckNow,
	"添加推送群": CmdAddPushGroup, "add_push_group": CmdAddPushGroup,
	"添加推送号": CmdAddPushUser, "add_push_user": CmdAddPushUser,
	"推送列表": CmdListPushTargets, "push_list": CmdListPushTargets, "推送目标": CmdListPushTargets,
	"移除推送": CmdRemovePushTarget, "remove_push": CmdRemovePushTarget, "删除推送": CmdRemovePushTarget,
	"飞书发布状态": CmdPublishStatus, "feishu_status": CmdPublishStatus, "发布状态": CmdPublishStatus,
}

// maxAliasWords is the longest alias in words ("bilibrief help").
const maxAliasWords = 2

// ParseCommand reads "/<command> [arg]". The leading slash is optional.
// The longest matching alias wins, so "订阅列表" is never read as "订阅".
func ParseCommand(text string) (Command, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimPrefix(s, "／")
	s = strings.TrimSpace(s)
	if s == "" {
		return Command{}, ErrUnknownCommand
	}

	fields := strings.Fields(s)
	for n := min(maxAliasWords, len(fields)); n >= 1; n-- {
		word := strings.ToLower(strings.Join(fields[:n], " "))
		if k, ok := aliases[word]; ok {
			return Command{Kind: k, Arg: strings.Join(fields[n:], " ")}, nil
		}
	}

	// Commands written without a space before the argument: "/总结BV1xx411c7mD".
	lower := strings.ToLower(fields[0])
	var (
		best    Kind
		bestLen int
	)
	for alias, k := range aliases {
		if len(alias) > bestLen && strings.HasPrefix(lower, alias) && !isASCIIWord(alias) {
			best, bestLen = k, len(alias)
		}
	}
	if best != 0 {
		rest := strings.TrimSpace(fields[0][bestLen:])
		arg := strings.TrimSpace(rest + " " + strings.Join(fields[1:], " "))
		return Command{Kind: best, Arg: arg}, nil
	}
	return Command{}, ErrUnknownCommand
}

// isASCIIWord reports aliases like "check" that must stand alone.
func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
