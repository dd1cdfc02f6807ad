package briefserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		arg  string
	}{
		{"/总结帮助", CmdHelp, ""},
		{"/bilibrief help", CmdHelp, ""},
		{"/总结 BV1xx411c7mD", CmdSummarize, "BV1xx411c7mD"},
		{"／总结 BV1xx411c7mD", CmdSummarize, "BV1xx411c7mD"},
		{"/总结BV1xx411c7mD", CmdSummarize, "BV1xx411c7mD"},
		{"/bilibrief https://b23.tv/abc", CmdSummarize, "https://b23.tv/abc"},
		{"/最新视频 老番茄", CmdLatest, "老番茄"},
		{"/B站登录", CmdLogin, ""},
		{"/b站登录", CmdLogin, ""},
		{"/B站登出", CmdLogout, ""},
		{"/订阅 123456", CmdSubscribe, "123456"},
		{"/订阅123456", CmdSubscribe, "123456"},
		{"/关注UP 123", CmdSubscribe, "123"},
		{"/取消订阅 123456", CmdUnsubscribe, "123456"},
		{"/订阅列表", CmdListSubscriptions, ""},
		{"/检查更新", CmdCheckNow, ""},
		{"/CHECK", CmdCheckNow, ""},
		{"/添加推送群 555", CmdAddPushGroup, "555"},
		{"/添加推送号 42", CmdAddPushUser, "42"},
		{"/推送列表", CmdListPushTargets, ""},
		{"/移除推送 555", CmdRemovePushTarget, "555"},
		{"/飞书发布状态", CmdPublishStatus, ""},
		{"总结 BV1xx411c7mD", CmdSummarize, "BV1xx411c7mD"},
		{"/订阅  a   b ", CmdSubscribe, "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.arg, got.Arg)
		})
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	for _, in := range []string{"", "/", "hello", "/checkout", "/天气"} {
		_, err := ParseCommand(in)
		assert.ErrorIs(t, err, ErrUnknownCommand, in)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "订阅列表", CmdListSubscriptions.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
