package engine

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/anatolykoptev/go-kit/strutil"
)

// UserAgentChrome is sent by every plain HTTP client talking to Bilibili.
const UserAgentChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// TruncateRunes caps s at limit runes, appending suffix if truncated.
// Pass suffix="" for no suffix. Safe for UTF-8 (CJK, emoji).
func TruncateRunes(s string, limit int, suffix string) string {
	return strutil.TruncateWith(s, limit, suffix)
}

// RuneLen is the length unit used for every user-visible limit.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// FormatClock renders d as mm:ss, or h:mm:ss past the hour.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
