// Package render turns notes into card images through an HTML rendering service.
package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/anatolykoptev/go_brief/internal/engine/brief"
	"github.com/anatolykoptev/go_brief/internal/engine/mdblock"
)

const defaultTitle = "AI 视频总结"

// cardColors cycles the left border and tint of section cards.
var cardColors = [][2]string{
	{"#60a5fa", "rgba(96,165,250,.10)"},
	{"#34d399", "rgba(52,211,153,.10)"},
	{"#a78bfa", "rgba(167,139,250,.10)"},
	{"#fb923c", "rgba(251,146,60,.10)"},
	{"#22d3ee", "rgba(34,211,238,.10)"},
	{"#f472b6", "rgba(244,114,182,.10)"},
}

var tsRe = regexp.MustCompile(`⏱\s*(\d{1,2}:\d{2}(?::\d{2})?)`)

const cardCSS = `*{margin:0;padding:0;box-sizing:border-box}
body{font-family:'PingFang SC','Microsoft YaHei','Noto Sans SC',sans-serif;background:#1a1b2e;color:#c9cedc;line-height:1.85;font-size:15px}
.header{background:linear-gradient(135deg,#1e2140 0%,#252250 30%,#1a2744 70%,#1e2140 100%);padding:40px 56px 32px;border-bottom:2px solid rgba(139,92,246,.25);text-align:center}
.header h1{font-size:28px;font-weight:800;color:#f1f5f9;line-height:1.4}
.header-line{width:80px;height:3px;margin:14px auto 0;background:linear-gradient(90deg,#60a5fa,#8b5cf6);border-radius:2px}
.content{padding:28px 40px 20px;display:grid;grid-template-columns:1fr 1fr;gap:20px;align-items:start}
.card,.card-intro{background:rgba(30,33,64,.65);border-radius:12px;border:1px solid rgba(148,163,184,.08);border-left:4px solid #60a5fa;padding:20px 24px}
.card-intro,.card-full{grid-column:1 / -1}
.card-intro{border-left-color:#a5f3c4;background:rgba(52,211,153,.06)}
h2{font-size:16px;font-weight:700;color:#e2e8f0;margin:-20px -24px 14px;padding:12px 24px 10px;background:rgba(0,0,0,.18)}
h3,h4,h5,h6{font-size:15px;color:#e2e8f0;margin:10px 0 6px}
p{margin:6px 0}
ul,ol{padding-left:22px;margin:6px 0}
blockquote{border-left:3px solid #8b5cf6;padding-left:12px;color:#a5b4cf}
pre{background:#11121f;border-radius:8px;padding:12px;overflow:hidden;white-space:pre-wrap;font-family:'JetBrains Mono',monospace;font-size:13px}
code{font-family:'JetBrains Mono',monospace;background:rgba(0,0,0,.25);padding:0 4px;border-radius:4px}
a{color:#93c5fd;text-decoration:none}
img{max-width:100%;border-radius:8px}
hr{border:none;border-top:1px solid rgba(148,163,184,.15);margin:12px 0}
.ts{color:#fbbf24;font-family:'JetBrains Mono',monospace;font-size:13px}
.math{font-family:'Times New Roman',serif;font-style:italic}
.footer{text-align:center;color:#64748b;font-size:12px;padding:12px 0 24px}`

// CardOptions controls page geometry and the footer stamp.
type CardOptions struct {
	Width int
	Now   time.Time
}

// CardHTML lays the note out as a header, an intro card and one card per
// section, with the summary spanning the full width.
func CardHTML(note brief.NoteDocument, opts CardOptions) (string, error) {
	if opts.Width <= 0 {
		opts.Width = 1600
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	root := el(atom.Html)
	doc.AppendChild(root)

	head := el(atom.Head)
	head.AppendChild(el(atom.Meta, "charset", "utf-8"))
	style := el(atom.Style)
	style.AppendChild(text(cardCSS + fmt.Sprintf("\nbody{width:%dpx}", opts.Width)))
	head.AppendChild(style)
	root.AppendChild(head)

	body := el(atom.Body)
	root.AppendChild(body)

	header := el(atom.Div, "class", "header")
	h1 := el(atom.H1)
	h1.AppendChild(text(cardTitle(note.Title)))
	header.AppendChild(h1)
	header.AppendChild(el(atom.Div, "class", "header-line"))
	body.AppendChild(header)

	content := el(atom.Div, "class", "content")
	body.AppendChild(content)

	if note.Preamble != "" {
		intro := el(atom.Div, "class", "card-intro")
		appendBlocks(intro, mdblock.Parse(note.Preamble))
		content.AppendChild(intro)
	}
	for i, s := range note.Sections {
		content.AppendChild(sectionCard(s, i, ""))
	}
	if note.Summary != nil {
		content.AppendChild(sectionCard(*note.Summary, len(note.Sections), " card-full"))
	}
	if note.Truncated {
		p := el(atom.P, "class", "card-full")
		p.AppendChild(text(brief.TruncationMarker))
		content.AppendChild(p)
	}

	footer := el(atom.Div, "class", "footer")
	footer.AppendChild(text(opts.Now.Format("2006-01-02 15:04:05")))
	body.AppendChild(footer)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render card html: %w", err)
	}
	return buf.String(), nil
}

// cardTitle formats "title - author" as "title —— author".
func cardTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return defaultTitle
	}
	if i := strings.LastIndex(title, " - "); i > 0 {
		return title[:i] + " —— " + title[i+3:]
	}
	return title
}

func sectionCard(s brief.Section, idx int, extra string) *html.Node {
	c := cardColors[idx%len(cardColors)]
	card := el(atom.Div,
		"class", fmt.Sprintf("card card-%d%s", idx%len(cardColors), extra),
		"style", fmt.Sprintf("border-left-color:%s;background:%s", c[0], c[1]),
	)
	h2 := el(atom.H2)
	appendText(h2, s.Heading)
	card.AppendChild(h2)
	appendBlocks(card, dropLeadingAnchor(mdblock.Parse(s.Body)))
	return card
}

// dropLeadingAnchor removes a body line that only repeats a timestamp.
func dropLeadingAnchor(blocks []mdblock.Block) []mdblock.Block {
	if len(blocks) == 0 || blocks[0].Kind != mdblock.Paragraph {
		return blocks
	}
	line := strings.TrimSpace(strings.Trim(mdblock.PlainText(blocks[0].Inlines), "*"))
	if loc := tsRe.FindStringIndex(line); loc != nil && loc[0] == 0 && loc[1] == len(line) {
		return blocks[1:]
	}
	return blocks
}

func appendBlocks(parent *html.Node, blocks []mdblock.Block) {
	var list *html.Node
	for _, b := range blocks {
		if b.Kind != mdblock.Bullet && b.Kind != mdblock.Ordered {
			list = nil
		}
		switch b.Kind {
		case mdblock.Heading:
			// h1 and h2 belong to the page and card chrome.
			n := el(headingAtom(max(b.Level, 3)))
			appendInlines(n, b.Inlines)
			parent.AppendChild(n)
		case mdblock.Paragraph:
			p := el(atom.P)
			appendInlines(p, b.Inlines)
			parent.AppendChild(p)
		case mdblock.Bullet, mdblock.Ordered:
			tag := atom.Ul
			if b.Kind == mdblock.Ordered {
				tag = atom.Ol
			}
			if list == nil || list.DataAtom != tag {
				list = el(tag)
				parent.AppendChild(list)
			}
			li := el(atom.Li)
			appendInlines(li, b.Inlines)
			appendBlocks(li, b.Children)
			list.AppendChild(li)
		case mdblock.Quote:
			q := el(atom.Blockquote)
			appendInlines(q, b.Inlines)
			parent.AppendChild(q)
		case mdblock.Divider:
			parent.AppendChild(el(atom.Hr))
		case mdblock.Code:
			pre := el(atom.Pre)
			code := el(atom.Code)
			code.AppendChild(text(b.Text))
			pre.AppendChild(code)
			parent.AppendChild(pre)
		case mdblock.Equation:
			p := el(atom.P, "class", "math")
			p.AppendChild(text(b.Text))
			parent.AppendChild(p)
		case mdblock.Image:
			parent.AppendChild(el(atom.Img, "src", b.URL, "alt", b.Alt))
		}
	}
}

func appendInlines(parent *html.Node, runs []mdblock.Inline) {
	for _, r := range runs {
		if r.Math {
			span := el(atom.Span, "class", "math")
			span.AppendChild(text(r.Text))
			parent.AppendChild(span)
			continue
		}
		target := parent
		wrap := func(n *html.Node) {
			target.AppendChild(n)
			target = n
		}
		if r.Style.Link != "" {
			wrap(el(atom.A, "href", r.Style.Link))
		}
		if r.Style.Bold {
			wrap(el(atom.Strong))
		}
		if r.Style.Italic {
			wrap(el(atom.Em))
		}
		if r.Style.Strike {
			wrap(el(atom.Del))
		}
		if r.Style.Code {
			code := el(atom.Code)
			code.AppendChild(text(r.Text))
			target.AppendChild(code)
			continue
		}
		appendText(target, r.Text)
	}
}

// appendText adds s with timestamp anchors highlighted.
func appendText(parent *html.Node, s string) {
	pos := 0
	for _, m := range tsRe.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > pos {
			parent.AppendChild(text(s[pos:m[0]]))
		}
		span := el(atom.Span, "class", "ts")
		span.AppendChild(text("⏱ " + s[m[2]:m[3]]))
		parent.AppendChild(span)
		pos = m[1]
	}
	if pos < len(s) {
		parent.AppendChild(text(s[pos:]))
	}
}

func headingAtom(level int) atom.Atom {
	switch level {
	case 3:
		return atom.H3
	case 4:
		return atom.H4
	case 5:
		return atom.H5
	}
	return atom.H6
}

func el(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
