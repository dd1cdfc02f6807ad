package brief

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/anatolykoptev/go_brief/internal/engine"
)

// TruncationMarker ends every note cut by the length limit.
const TruncationMarker = "…(内容过长，已截断)"

const blockSep = "\n\n"

// Section is one headed part of a note.
type Section struct {
	Heading string
	Level   int
	Anchor  *time.Duration // first timestamp referenced by the section
	Body    string
}

// NoteDocument is the parsed LLM note. Values are immutable; methods return copies.
type NoteDocument struct {
	Style     Style
	Title     string
	Preamble  string
	Sections  []Section
	Summary   *Section
	Truncated bool
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	// Content-[mm:ss] or Content-mm:ss, optionally with a leading * left by the model.
	contentMarkerRe = regexp.MustCompile(`\*?Content-(?:\[(\d{1,2}):(\d{2})(?::(\d{2}))?\]|(\d{1,2}):(\d{2})(?::(\d{2}))?)`)
	anchorRe        = regexp.MustCompile(`⏱\s*(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	summaryHeadRe   = regexp.MustCompile(`(?i)^(ai\s*)?(总结|总体总结|全文总结|summary)$`)
	htmlShapeRe     = regexp.MustCompile(`(?i)^\s*<(html|body|div|h[1-6]|p|ul|ol|section|article)[\s>]`)
)

// ParseNote turns model output into a NoteDocument.
func ParseNote(raw string, style Style) NoteDocument {
	md := normalizeNote(raw)
	doc := NoteDocument{Style: style}

	var (
		cur      *Section
		pre      []string
		body     []string
		inFence  bool
		sections []Section
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		cur.Anchor = findAnchor(cur.Heading + "\n" + cur.Body)
		sections = append(sections, *cur)
		cur, body = nil, nil
	}

	for line := range strings.SplitSeq(md, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(line); m != nil {
				level := len(m[1])
				if level == 1 && doc.Title == "" && cur == nil && len(sections) == 0 {
					doc.Title = m[2]
					continue
				}
				flush()
				cur = &Section{Heading: m[2], Level: max(level, 2)}
				continue
			}
		}
		if cur == nil {
			pre = append(pre, line)
		} else {
			body = append(body, line)
		}
	}
	flush()

	doc.Preamble = strings.TrimSpace(strings.Join(pre, "\n"))
	if n := len(sections); n > 1 && summaryHeadRe.MatchString(strings.TrimSpace(sections[n-1].Heading)) {
		s := sections[n-1]
		doc.Summary = &s
		sections = sections[:n-1]
	}
	doc.Sections = sections
	return doc
}

// normalizeNote converts HTML-shaped output and rewrites timestamp markers.
func normalizeNote(raw string) string {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if htmlShapeRe.MatchString(s) {
		if md, err := htmltomarkdown.ConvertString(s); err == nil {
			s = md
		}
	}
	return contentMarkerRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := contentMarkerRe.FindStringSubmatch(m)
		if sub[1] != "" {
			return "⏱ " + clockFromParts(sub[1], sub[2], sub[3])
		}
		return "⏱ " + clockFromParts(sub[4], sub[5], sub[6])
	})
}

// clockFromParts reads a.b or a:b:c as h/m/s and formats it.
func clockFromParts(a, b, c string) string {
	x, _ := strconv.Atoi(a)
	y, _ := strconv.Atoi(b)
	if c == "" {
		return engine.FormatClock(time.Duration(x)*time.Minute + time.Duration(y)*time.Second)
	}
	z, _ := strconv.Atoi(c)
	return engine.FormatClock(time.Duration(x)*time.Hour + time.Duration(y)*time.Minute + time.Duration(z)*time.Second)
}

func findAnchor(s string) *time.Duration {
	m := anchorRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	d := time.Duration(x)*time.Minute + time.Duration(y)*time.Second
	if m[3] != "" {
		z, _ := strconv.Atoi(m[3])
		d = time.Duration(x)*time.Hour + time.Duration(y)*time.Minute + time.Duration(z)*time.Second
	}
	return &d
}

// Empty reports whether the note carries no content at all.
func (d NoteDocument) Empty() bool {
	return d.Title == "" && d.Preamble == "" && len(d.Sections) == 0 && d.Summary == nil
}

// HeadingText is the note title, else the first section heading.
func (d NoteDocument) HeadingText() string {
	if d.Title != "" {
		return d.Title
	}
	if len(d.Sections) > 0 {
		return d.Sections[0].Heading
	}
	return ""
}

func (d NoteDocument) header() string {
	var parts []string
	if d.Title != "" {
		parts = append(parts, "# "+d.Title)
	}
	if d.Preamble != "" {
		parts = append(parts, d.Preamble)
	}
	return strings.Join(parts, blockSep)
}

func (s Section) render() string {
	h := strings.Repeat("#", s.Level) + " " + s.Heading
	if s.Body == "" {
		return h
	}
	return h + blockSep + s.Body
}

// blocks returns the truncation units in document order.
func (d NoteDocument) blocks() []string {
	var out []string
	if h := d.header(); h != "" {
		out = append(out, h)
	}
	for _, s := range d.Sections {
		out = append(out, s.render())
	}
	if d.Summary != nil {
		out = append(out, d.Summary.render())
	}
	return out
}

// Markdown renders the note back to markdown.
func (d NoteDocument) Markdown() string {
	out := strings.Join(d.blocks(), blockSep)
	if d.Truncated {
		if out == "" {
			return TruncationMarker
		}
		return out + blockSep + TruncationMarker
	}
	return out
}

// Truncate cuts the note at the last section boundary that keeps the
// rendered length, marker included, within limit runes. When not even the
// first block fits, it keeps that block's leading paragraphs instead.
// limit <= 0 disables.
func (d NoteDocument) Truncate(limit int) NoteDocument {
	if limit <= 0 || engine.RuneLen(d.Markdown()) <= limit {
		return d
	}
	out := NoteDocument{Style: d.Style, Truncated: true}
	room := limit - engine.RuneLen(TruncationMarker)
	if room < 0 {
		return out
	}

	take := func(block string) bool {
		n := engine.RuneLen(block) + engine.RuneLen(blockSep)
		if n > room {
			return false
		}
		room -= n
		return true
	}
	// leading returns the longest proper prefix of body's paragraphs whose
	// rendering fits.
	leading := func(body string, render func(string) string) (string, bool) {
		paras := paragraphs(body)
		for k := len(paras) - 1; k > 0; k-- {
			b := strings.Join(paras[:k], blockSep)
			if take(render(b)) {
				return b, true
			}
		}
		return "", false
	}
	partial := func(s Section) (Section, bool) {
		body, ok := leading(s.Body, func(b string) string {
			s.Body = b
			return s.render()
		})
		s.Body = body
		return s, ok
	}

	if h := d.header(); h != "" {
		if !take(h) {
			pre, ok := leading(d.Preamble, func(p string) string {
				return NoteDocument{Title: d.Title, Preamble: p}.header()
			})
			if ok {
				out.Title, out.Preamble = d.Title, pre
			}
			return out
		}
		out.Title, out.Preamble = d.Title, d.Preamble
	}
	for _, s := range d.Sections {
		if take(s.render()) {
			out.Sections = append(out.Sections, s)
			continue
		}
		if len(out.Sections) == 0 {
			if ps, ok := partial(s); ok {
				out.Sections = append(out.Sections, ps)
			}
		}
		return out
	}
	// All sections fit, so the cut falls on the summary.
	if len(out.Sections) == 0 && d.Summary != nil {
		if ps, ok := partial(*d.Summary); ok {
			out.Summary = &ps
		}
	}
	return out
}

// paragraphs splits body at blank lines outside fenced code.
func paragraphs(body string) []string {
	var (
		out   []string
		cur   []string
		fence bool
	)
	for line := range strings.SplitSeq(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fence = !fence
		}
		if !fence && strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}
