package feishu

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/anatolykoptev/go_brief/internal/engine/mdblock"
)

// Block is one docx block in the shape the children API accepts.
type Block map[string]any

// docx block types.
const (
	blockPage    = 1
	blockText    = 2
	blockH1      = 3
	blockBullet  = 12
	blockOrdered = 13
	blockCode    = 14
	blockQuote   = 15
	blockDivider = 22
	blockImage   = 27
)

// maxTextRunes splits long paragraphs into several text blocks.
const maxTextRunes = 900

// codeLanguages maps fence info strings to docx code language ids.
var codeLanguages = map[string]int{
	"plain": 1, "text": 1,
	"bash": 3, "sh": 3, "shell": 3,
	"c": 10, "css": 11, "cpp": 12, "c++": 12,
	"go": 26, "golang": 26,
	"html": 29, "java": 33, "javascript": 34, "js": 34, "json": 35,
	"markdown": 40, "md": 40,
	"python": 49, "py": 49,
	"rust": 59, "sql": 62,
	"typescript": 73, "ts": 73,
	"xml": 75, "yaml": 74, "yml": 74,
}

// CodeLanguage returns the docx language id for a fence info string.
func CodeLanguage(lang string) int {
	if id, ok := codeLanguages[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return id
	}
	return 1
}

// node is a block to write plus its nested children. image is set for
// image blocks whose media is uploaded after the block exists.
type node struct {
	block    Block
	children []node
	image    *pendingImage
}

type pendingImage struct {
	name string
	alt  string
	data []byte
}

// fetchFunc downloads a remote image.
type fetchFunc func(ctx context.Context, url string) ([]byte, error)

type converter struct {
	fetch        fetchFunc
	imagesFailed int
}

func (c *converter) nodes(ctx context.Context, blocks []mdblock.Block) []node {
	var out []node
	for _, b := range blocks {
		out = append(out, c.node(ctx, b)...)
	}
	return out
}

func (c *converter) node(ctx context.Context, b mdblock.Block) []node {
	switch b.Kind {
	case mdblock.Heading:
		level := min(max(b.Level, 1), 6)
		key := fmt.Sprintf("heading%d", level)
		return []node{{block: Block{"block_type": blockH1 + level - 1, key: textBody(b.Inlines)}}}
	case mdblock.Paragraph:
		var out []node
		for _, runs := range splitRuns(b.Inlines, maxTextRunes) {
			out = append(out, node{block: textBlock(runs)})
		}
		return out
	case mdblock.Bullet, mdblock.Ordered:
		typ, key := blockBullet, "bullet"
		if b.Kind == mdblock.Ordered {
			typ, key = blockOrdered, "ordered"
		}
		return []node{{
			block:    Block{"block_type": typ, key: textBody(b.Inlines)},
			children: c.nodes(ctx, b.Children),
		}}
	case mdblock.Quote:
		return []node{{block: Block{"block_type": blockQuote, "quote": textBody(b.Inlines)}}}
	case mdblock.Divider:
		return []node{{block: Block{"block_type": blockDivider, "divider": map[string]any{}}}}
	case mdblock.Code:
		return []node{{block: Block{
			"block_type": blockCode,
			"code": map[string]any{
				"elements": []any{textRun(b.Text, mdblock.Style{})},
				"style":    map[string]any{"language": CodeLanguage(b.Lang), "wrap": true},
			},
		}}}
	case mdblock.Equation:
		return []node{{block: textBlock([]mdblock.Inline{{Text: b.Text, Math: true}})}}
	case mdblock.Image:
		return c.image(ctx, b)
	}
	return nil
}

// image fetches the picture up front. A failed fetch degrades to alt text.
func (c *converter) image(ctx context.Context, b mdblock.Block) []node {
	data, err := c.fetch(ctx, b.URL)
	if err != nil || len(data) == 0 {
		c.imagesFailed++
		return []node{altNode(b.Alt, b.URL)}
	}
	out := []node{{
		block: Block{"block_type": blockImage, "image": map[string]any{"width": 640, "height": 360, "token": ""}},
		image: &pendingImage{name: imageName(b.URL, data), alt: b.Alt, data: data},
	}}
	if b.Alt != "" {
		out = append(out, node{block: textBlock([]mdblock.Inline{{Text: "图：" + b.Alt}})})
	}
	return out
}

// altNode is the text stand-in for an image that could not be placed.
func altNode(alt, src string) node {
	label := alt
	if label == "" {
		label = src
	}
	return node{block: textBlock([]mdblock.Inline{{Text: "[图片] " + label}})}
}

func textBlock(runs []mdblock.Inline) Block {
	return Block{"block_type": blockText, "text": textBody(runs)}
}

func textBody(runs []mdblock.Inline) map[string]any {
	elems := make([]any, 0, len(runs))
	for _, r := range runs {
		if r.Math {
			elems = append(elems, map[string]any{"equation": map[string]any{
				"content":            r.Text,
				"text_element_style": elementStyle(r.Style),
			}})
			continue
		}
		elems = append(elems, textRun(r.Text, r.Style))
	}
	if len(elems) == 0 {
		elems = append(elems, textRun("", mdblock.Style{}))
	}
	return map[string]any{
		"elements": elems,
		"style":    map[string]any{"align": 1, "folded": false},
	}
}

func textRun(content string, st mdblock.Style) map[string]any {
	return map[string]any{"text_run": map[string]any{
		"content":            content,
		"text_element_style": elementStyle(st),
	}}
}

func elementStyle(st mdblock.Style) map[string]any {
	s := map[string]any{
		"bold":          st.Bold,
		"italic":        st.Italic,
		"strikethrough": st.Strike,
		"underline":     false,
		"inline_code":   st.Code,
	}
	if st.Link != "" {
		// docx requires link targets to be percent-encoded.
		s["link"] = map[string]string{"url": url.QueryEscape(st.Link)}
	}
	return s
}

// splitRuns cuts runs into groups of at most limit runes. Math runs are
// never split.
func splitRuns(runs []mdblock.Inline, limit int) [][]mdblock.Inline {
	var (
		out  [][]mdblock.Inline
		cur  []mdblock.Inline
		used int
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur, used = nil, 0
	}
	for _, r := range runs {
		n := utf8.RuneCountInString(r.Text)
		if used+n <= limit || r.Math {
			if used+n > limit {
				flush()
			}
			cur = append(cur, r)
			used += n
			continue
		}
		rs := []rune(r.Text)
		for len(rs) > 0 {
			room := limit - used
			if room <= 0 {
				flush()
				room = limit
			}
			take := min(room, len(rs))
			part := r
			part.Text = string(rs[:take])
			cur = append(cur, part)
			used += take
			rs = rs[take:]
		}
	}
	flush()
	return out
}

// imageName picks an upload file name from the URL path or the sniffed type.
func imageName(src string, data []byte) string {
	if u, err := url.Parse(src); err == nil {
		if i := strings.LastIndexByte(u.Path, '/'); i >= 0 && i < len(u.Path)-1 {
			name := u.Path[i+1:]
			if strings.Contains(name, ".") {
				return name
			}
		}
	}
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return "image.jpg"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	}
	return "image.png"
}
