package store

import (
	"fmt"
	"strings"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
)

// Prepared is a validated chunk draft ready to be written.
type Prepared struct {
	Content   string
	Embedding []float32
	Hash      string
	Metadata  map[string]any
}

// Prepare trims and validates a draft. A non-nil embedding must match
// dimension when dimension is positive.
func Prepare(draft knowledge.ChunkDraft, dimension int) (Prepared, error) {
	content := strings.TrimSpace(draft.Content)
	if content == "" {
		return Prepared{}, knowledge.ErrEmptyContent
	}
	if err := CheckDimension(draft.Embedding, dimension); err != nil {
		return Prepared{}, err
	}
	out := Prepared{
		Content:   content,
		Embedding: core.CloneVector(draft.Embedding),
		Metadata:  core.CloneMap(draft.Metadata),
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if out.Embedding != nil {
		out.Hash = core.HashText(content)
	}
	return out, nil
}

// PrepareAll validates every draft, stopping at the first invalid one.
func PrepareAll(drafts []knowledge.ChunkDraft, dimension int) ([]Prepared, error) {
	out := make([]Prepared, 0, len(drafts))
	for i := range drafts {
		p, err := Prepare(drafts[i], dimension)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i+1, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CheckDimension validates a vector against the deployment dimension. Nil
// vectors are allowed.
func CheckDimension(vector []float32, dimension int) error {
	if vector == nil || dimension <= 0 {
		return nil
	}
	if len(vector) != dimension {
		return fmt.Errorf("%w: got %d want %d", knowledge.ErrDimensionMismatch, len(vector), dimension)
	}
	return nil
}
