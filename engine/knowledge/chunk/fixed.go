package chunk

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// FixedSizeChunker packs text into windows of roughly size characters,
// breaking at paragraph, line or word boundaries. Words longer than the
// window are kept whole.
type FixedSizeChunker struct {
	size     int
	splitter textsplitter.RecursiveCharacter
}

func NewFixedSizeChunker(size int) *FixedSizeChunker {
	if size <= 0 {
		size = knowledge.DefaultChunkSize
	}
	return &FixedSizeChunker{
		size: size,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " "}),
		),
	}
}

func (c *FixedSizeChunker) Split(_ context.Context, content string) ([]string, error) {
	segments, err := c.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("fixed size %d: %w", c.size, err)
	}
	return compact(segments), nil
}

func (c *FixedSizeChunker) Method() knowledge.ChunkingMethod { return knowledge.MethodFixedSize }
