package brief

import (
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// LLM prompt templates.

// notePromptBase asks for a markdown note. Args: title, tags, transcript.
const notePromptBase = `你是一名专业的视频笔记整理助手。请根据下面的视频标题、标签和带时间戳的转写文本，整理出一份结构清晰的 Markdown 笔记。

要求：
- 第一行使用 "# " 写出笔记标题
- 使用 "## " 作为章节标题，按视频内容的顺序组织章节
- 只使用转写文本中出现的信息，不要编造
- 使用与转写文本相同的语言作答
- 直接输出 Markdown 正文，不要用代码块包裹，不要输出任何解释

视频标题：%s
视频标签：%s

转写文本：
%s`

// noteLinkDirective asks for per-section timestamp markers.
const noteLinkDirective = `- 在每个章节标题的末尾添加该章节内容开始的时间点，格式严格为 "*Content-[mm:ss]"，例如 "## 背景介绍 *Content-[01:23]"`

// noteSummaryDirective asks for a trailing summary section.
const noteSummaryDirective = `- 在笔记最后添加一个 "## AI 总结" 章节，用一段话概括视频的核心内容`

// noteLengthDirective bounds the answer. Args: rune limit.
const noteLengthDirective = `- 全文控制在 %d 字以内`

var styleDirectives = map[Style]string{
	StyleConcise: "**简洁模式**: 仅提取核心观点和关键结论，每个章节用简短的要点概括。" +
		"省略细节和举例，只保留最重要的信息。整体控制在 5-8 个要点以内。",
	StyleDetailed: "**详细模式**: 完整记录视频内容，每个部分都包含详细讨论。" +
		"保留重要的例子、数据和论证过程，板块内使用列表和引用块组织信息。",
	StyleProfessional: "**专业模式**: 提供深度结构化分析，包含背景概述、核心论点、数据支撑和结论建议。" +
		"板块内使用列表、引用块和加粗突出关键信息，语言正式、逻辑清晰。",
}

// maxTranscriptRunes caps transcript text sent to the model.
const maxTranscriptRunes = 60000

// PromptOptions controls prompt assembly.
type PromptOptions struct {
	Style         Style
	EnableLink    bool
	EnableSummary bool
	MaxLength     int // runes; 0 = no ceiling
}

// BuildPrompt assembles the LLM prompt for one video.
func BuildPrompt(meta VideoMeta, t Transcript, o PromptOptions) string {
	tags := strings.Join(meta.Tags, ", ")
	if tags == "" {
		tags = "无"
	}
	text := engine.TruncateRunes(segmentText(t.Segments), maxTranscriptRunes, "\n…")

	var sb strings.Builder
	fmt.Fprintf(&sb, notePromptBase, meta.Title, tags, text)

	var extra []string
	if o.EnableLink {
		extra = append(extra, noteLinkDirective)
	}
	if o.EnableSummary {
		extra = append(extra, noteSummaryDirective)
	}
	if o.MaxLength > 0 {
		extra = append(extra, fmt.Sprintf(noteLengthDirective, o.MaxLength))
	}
	if len(extra) > 0 {
		sb.WriteString("\n\n补充要求：\n")
		sb.WriteString(strings.Join(extra, "\n"))
	}
	if d, ok := styleDirectives[o.Style]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(d)
	}
	return sb.String()
}

// segmentText renders "mm:ss - text" lines.
func segmentText(segs []Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		line := strings.TrimSpace(s.Text)
		if line == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(engine.FormatClock(s.Start))
		sb.WriteString(" - ")
		sb.WriteString(line)
	}
	return sb.String()
}
