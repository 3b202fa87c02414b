package chunk

import (
	"context"
	"regexp"
	"strings"

	"github.com/crmkit/knowledge/engine/knowledge"
)

var blankLinePattern = regexp.MustCompile(`\n\s*\n`)

// LineBreakChunker splits on a literal separator.
type LineBreakChunker struct {
	pattern *regexp.Regexp
}

func NewLineBreakChunker(separator string) *LineBreakChunker {
	if separator == "" {
		separator = knowledge.DefaultSeparator
	}
	// Content reaches Split with newlines already folded to \n.
	separator = newlinePattern.ReplaceAllString(separator, "\n")
	return &LineBreakChunker{pattern: regexp.MustCompile(regexp.QuoteMeta(separator))}
}

func (c *LineBreakChunker) Split(_ context.Context, content string) ([]string, error) {
	return compact(c.pattern.Split(content, -1)), nil
}

func (c *LineBreakChunker) Method() knowledge.ChunkingMethod { return knowledge.MethodLineBreak }

// ParagraphChunker splits on blank-line boundaries.
type ParagraphChunker struct{}

func NewParagraphChunker() *ParagraphChunker { return &ParagraphChunker{} }

func (c *ParagraphChunker) Split(_ context.Context, content string) ([]string, error) {
	return compact(blankLinePattern.Split(content, -1)), nil
}

func (c *ParagraphChunker) Method() knowledge.ChunkingMethod { return knowledge.MethodParagraph }

// HeaderChunker starts a new chunk at every markdown heading whose level is
// at most depth. Text before the first heading forms its own chunk and
// headings inside fenced code blocks are ignored.
type HeaderChunker struct {
	depth int
}

func NewHeaderChunker(depth int) *HeaderChunker {
	if depth <= 0 {
		depth = knowledge.DefaultHeaderDepth
	}
	return &HeaderChunker{depth: depth}
}

func (c *HeaderChunker) Split(_ context.Context, content string) ([]string, error) {
	var (
		sections []string
		current  strings.Builder
		inFence  bool
	)
	flush := func() {
		sections = append(sections, current.String())
		current.Reset()
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence && c.isHeading(line) && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return compact(sections), nil
}

func (c *HeaderChunker) Method() knowledge.ChunkingMethod { return knowledge.MethodHeader }

func (c *HeaderChunker) isHeading(line string) bool {
	// up to three leading spaces are allowed before the marker
	stripped := strings.TrimLeft(line, " ")
	if len(line)-len(stripped) > 3 {
		return false
	}
	level := 0
	for level < len(stripped) && stripped[level] == '#' {
		level++
	}
	if level == 0 || level > c.depth {
		return false
	}
	if level == len(stripped) {
		return true
	}
	next := stripped[level]
	return next == ' ' || next == '\t'
}
