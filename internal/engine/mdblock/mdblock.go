// Package mdblock parses note markdown into a small block tree that document
// publishers can map onto their own block types.
package mdblock

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Kind is a block type.
type Kind int

const (
	Heading Kind = iota + 1
	Paragraph
	Bullet
	Ordered
	Quote
	Divider
	Code
	Equation
	Image
)

func (k Kind) String() string {
	switch k {
	case Heading:
		return "heading"
	case Paragraph:
		return "paragraph"
	case Bullet:
		return "bullet"
	case Ordered:
		return "ordered"
	case Quote:
		return "quote"
	case Divider:
		return "divider"
	case Code:
		return "code"
	case Equation:
		return "equation"
	case Image:
		return "image"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Style is the inline formatting of a run.
type Style struct {
	Bold   bool
	Italic bool
	Strike bool
	Code   bool
	Link   string
}

// Inline is a run of text with one style, or an inline formula when Math is set.
type Inline struct {
	Text  string
	Style Style
	Math  bool
}

// Block is one parsed block. Only the fields of its Kind are set.
type Block struct {
	Kind     Kind
	Level    int      // Heading: 1-6
	Inlines  []Inline // Heading, Paragraph, Bullet, Ordered, Quote
	Text     string   // Code, Equation
	Lang     string   // Code
	URL      string   // Image
	Alt      string   // Image
	Children []Block  // Bullet, Ordered
}

var parser = goldmark.New(goldmark.WithExtensions(
	extension.Strikethrough,
	extension.Table,
	extension.Footnote,
))

// Parse converts markdown into blocks. Constructs without a block kind
// (tables, raw HTML, footnotes) come back as plain paragraphs.
func Parse(md string) []Block {
	src := []byte(strings.ReplaceAll(md, "\r\n", "\n"))
	doc := parser.Parser().Parse(text.NewReader(src))
	c := &converter{src: src}
	return c.children(doc)
}

type converter struct {
	src []byte
}

func (c *converter) children(parent ast.Node) []Block {
	var out []Block
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.block(n)...)
	}
	return out
}

func (c *converter) block(n ast.Node) []Block {
	switch n := n.(type) {
	case *ast.Heading:
		return []Block{{Kind: Heading, Level: n.Level, Inlines: flatten(c.inlines(n))}}
	case *ast.Paragraph, *ast.TextBlock:
		return c.paragraph(n)
	case *ast.List:
		return c.list(n)
	case *ast.Blockquote:
		return c.quote(n)
	case *ast.ThematicBreak:
		return []Block{{Kind: Divider}}
	case *ast.FencedCodeBlock:
		return []Block{{Kind: Code, Lang: strings.ToLower(string(n.Language(c.src))), Text: c.lines(n)}}
	case *ast.CodeBlock:
		return []Block{{Kind: Code, Text: c.lines(n)}}
	case *ast.HTMLBlock:
		return plainBlocks(c.lines(n))
	case *extast.Table:
		return c.table(n)
	case *extast.FootnoteList:
		var out []Block
		for fn := n.FirstChild(); fn != nil; fn = fn.NextSibling() {
			if f, ok := fn.(*extast.Footnote); ok {
				out = append(out, plainBlocks(fmt.Sprintf("[^%d] %s", f.Index, c.plain(f)))...)
			}
		}
		return out
	}
	return plainBlocks(c.plain(n))
}

// paragraph emits one block per source line, or an Equation for $$…$$.
// Images split the paragraph and come out as Image blocks in place.
func (c *converter) paragraph(n ast.Node) []Block {
	raw := strings.TrimSpace(c.lines(n))
	if len(raw) > 4 && strings.HasPrefix(raw, "$$") && strings.HasSuffix(raw, "$$") {
		if expr := strings.TrimSpace(raw[2 : len(raw)-2]); expr != "" {
			return []Block{{Kind: Equation, Text: expr}}
		}
	}

	var (
		out  []Block
		runs []Inline
	)
	flush := func() {
		for _, line := range splitLines(runs) {
			if len(line) > 0 {
				out = append(out, Block{Kind: Paragraph, Inlines: line})
			}
		}
		runs = nil
	}
	for ch := n.FirstChild(); ch != nil; ch = ch.NextSibling() {
		if img, ok := ch.(*ast.Image); ok {
			flush()
			out = append(out, c.image(img))
			continue
		}
		c.inline(ch, Style{}, &runs)
	}
	flush()
	return out
}

func (c *converter) image(img *ast.Image) Block {
	return Block{Kind: Image, URL: string(img.Destination), Alt: c.plain(img)}
}

func (c *converter) list(l *ast.List) []Block {
	kind := Bullet
	if l.IsOrdered() {
		kind = Ordered
	}
	var out []Block
	for li := l.FirstChild(); li != nil; li = li.NextSibling() {
		item := Block{Kind: kind}
		first := true
		for ch := li.FirstChild(); ch != nil; ch = ch.NextSibling() {
			switch ch.(type) {
			case *ast.TextBlock, *ast.Paragraph:
				if first {
					var runs []Inline
					for in := ch.FirstChild(); in != nil; in = in.NextSibling() {
						if img, ok := in.(*ast.Image); ok {
							item.Children = append(item.Children, c.image(img))
							continue
						}
						c.inline(in, Style{}, &runs)
					}
					item.Inlines = joinLines(runs)
					first = false
					continue
				}
			}
			item.Children = append(item.Children, c.block(ch)...)
		}
		out = append(out, item)
	}
	return out
}

func (c *converter) quote(q *ast.Blockquote) []Block {
	var lines [][]Inline
	for ch := q.FirstChild(); ch != nil; ch = ch.NextSibling() {
		switch ch.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			lines = append(lines, splitLines(c.inlines(ch))...)
		default:
			if s := c.plain(ch); s != "" {
				lines = append(lines, []Inline{{Text: s}})
			}
		}
	}
	var ins []Inline
	for i, l := range lines {
		if i > 0 {
			ins = append(ins, Inline{Text: "\n"})
		}
		ins = append(ins, l...)
	}
	if len(ins) == 0 {
		return nil
	}
	return []Block{{Kind: Quote, Inlines: flatten(ins)}}
}

// table degrades every row to a "a | b | c" paragraph.
func (c *converter) table(t *extast.Table) []Block {
	var out []Block
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, c.plain(cell))
		}
		out = append(out, plainBlocks(strings.Join(cells, " | "))...)
	}
	return out
}

// inlines collects the styled runs under n. Line breaks become "\n" runs.
func (c *converter) inlines(n ast.Node) []Inline {
	var out []Inline
	c.walkInline(n, Style{}, &out)
	return out
}

func (c *converter) walkInline(n ast.Node, st Style, out *[]Inline) {
	for ch := n.FirstChild(); ch != nil; ch = ch.NextSibling() {
		c.inline(ch, st, out)
	}
}

// inline appends the runs of one inline node. Images nested in emphasis or
// links degrade to their alt text.
func (c *converter) inline(n ast.Node, st Style, out *[]Inline) {
	switch ch := n.(type) {
	case *ast.Text:
		*out = append(*out, Inline{Text: string(ch.Segment.Value(c.src)), Style: st})
		if ch.SoftLineBreak() || ch.HardLineBreak() {
			*out = append(*out, Inline{Text: "\n", Style: st})
		}
	case *ast.String:
		*out = append(*out, Inline{Text: string(ch.Value), Style: st})
	case *ast.CodeSpan:
		s := st
		s.Code = true
		*out = append(*out, Inline{Text: c.plain(ch), Style: s})
	case *ast.Emphasis:
		s := st
		if ch.Level >= 2 {
			s.Bold = true
		} else {
			s.Italic = true
		}
		c.walkInline(ch, s, out)
	case *extast.Strikethrough:
		s := st
		s.Strike = true
		c.walkInline(ch, s, out)
	case *ast.Link:
		s := st
		s.Link = string(ch.Destination)
		c.walkInline(ch, s, out)
	case *ast.AutoLink:
		s := st
		s.Link = string(ch.URL(c.src))
		*out = append(*out, Inline{Text: string(ch.Label(c.src)), Style: s})
	case *ast.Image:
		*out = append(*out, Inline{Text: c.plain(ch), Style: st})
	case *ast.RawHTML:
		var sb strings.Builder
		for i := 0; i < ch.Segments.Len(); i++ {
			seg := ch.Segments.At(i)
			sb.Write(seg.Value(c.src))
		}
		*out = append(*out, Inline{Text: sb.String(), Style: st})
	case *extast.FootnoteLink:
		*out = append(*out, Inline{Text: fmt.Sprintf("[^%d]", ch.Index), Style: st})
	default:
		c.walkInline(ch, st, out)
	}
}

// lines returns the raw source lines of a block node.
func (c *converter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(c.src))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// plain returns the visible text under n with line breaks as spaces.
func (c *converter) plain(n ast.Node) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(c.src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.RawHTML:
			for i := 0; i < t.Segments.Len(); i++ {
				seg := t.Segments.At(i)
				sb.Write(seg.Value(c.src))
			}
		case *ast.AutoLink:
			sb.Write(t.Label(c.src))
		case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock:
			sb.WriteString(c.lines(t))
			sb.WriteByte(' ')
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func plainBlocks(s string) []Block {
	var out []Block
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, Block{Kind: Paragraph, Inlines: []Inline{{Text: line}}})
		}
	}
	return out
}

// mathRe matches $…$ with no space just inside the dollars, so prices like
// "$5 and $10" stay text.
var mathRe = regexp.MustCompile(`\$([^$\s](?:[^$]*[^$\s])?)\$`)

// flatten merges adjacent runs of equal style and splits out inline math.
func flatten(in []Inline) []Inline {
	var merged []Inline
	for _, r := range in {
		if r.Text == "" {
			continue
		}
		if n := len(merged); n > 0 && !merged[n-1].Math && merged[n-1].Style == r.Style {
			merged[n-1].Text += r.Text
			continue
		}
		merged = append(merged, r)
	}

	var out []Inline
	for _, r := range merged {
		if r.Style.Code || r.Style.Link != "" {
			out = append(out, r)
			continue
		}
		pos := 0
		for _, m := range mathRe.FindAllStringSubmatchIndex(r.Text, -1) {
			if m[0] > pos {
				out = append(out, Inline{Text: r.Text[pos:m[0]], Style: r.Style})
			}
			out = append(out, Inline{Text: r.Text[m[2]:m[3]], Math: true})
			pos = m[1]
		}
		if pos < len(r.Text) {
			out = append(out, Inline{Text: r.Text[pos:], Style: r.Style})
		}
	}
	return out
}

// splitLines cuts runs at "\n" and flattens each line.
func splitLines(in []Inline) [][]Inline {
	var (
		lines [][]Inline
		cur   []Inline
	)
	for _, r := range in {
		parts := strings.Split(r.Text, "\n")
		for i, p := range parts {
			if i > 0 {
				lines = append(lines, flatten(trimLine(cur)))
				cur = nil
			}
			if p != "" {
				cur = append(cur, Inline{Text: p, Style: r.Style, Math: r.Math})
			}
		}
	}
	lines = append(lines, flatten(trimLine(cur)))
	return lines
}

// joinLines turns line breaks into spaces, for list items.
func joinLines(in []Inline) []Inline {
	out := make([]Inline, 0, len(in))
	for _, r := range in {
		r.Text = strings.ReplaceAll(r.Text, "\n", " ")
		out = append(out, r)
	}
	return flatten(trimLine(out))
}

func trimLine(in []Inline) []Inline {
	if len(in) == 0 {
		return in
	}
	in[0].Text = strings.TrimLeft(in[0].Text, " \t")
	last := len(in) - 1
	in[last].Text = strings.TrimRight(in[last].Text, " \t")
	return in
}

// PlainText joins the visible text of runs.
func PlainText(in []Inline) string {
	var sb strings.Builder
	for _, r := range in {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

// Images returns every image block in document order, including nested ones.
func Images(blocks []Block) []Block {
	var out []Block
	for _, b := range blocks {
		if b.Kind == Image {
			out = append(out, b)
		}
		out = append(out, Images(b.Children)...)
	}
	return out
}
