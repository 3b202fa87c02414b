package ingest

import (
	"fmt"
	"time"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// Report summarizes one ingestion run. FailedEmbeddings lists the 1-based
// indexes of chunks persisted without an embedding.
type Report struct {
	SessionID        string                   `json:"session_id"`
	DocumentID       string                   `json:"document_id"`
	Requested        knowledge.ChunkingMethod `json:"requested_method"`
	Method           knowledge.ChunkingMethod `json:"method"`
	Mode             Mode                     `json:"mode"`
	Policy           Policy                   `json:"policy"`
	Total            int                      `json:"total"`
	Inserted         int                      `json:"inserted"`
	FailedEmbeddings []int                    `json:"failed_embeddings"`
	Notice           string                   `json:"notice,omitempty"`
	State            State                    `json:"state"`
	FailedIn         State                    `json:"failed_in,omitempty"`
	Error            string                   `json:"error,omitempty"`
	Duration         time.Duration            `json:"duration_ns"`
}

// Summary renders the outcome for humans, e.g.
// "inserted 8 of 10 chunks, 2 failed embedding".
func (r *Report) Summary() string {
	if r.State == StateFailed {
		return fmt.Sprintf("ingestion failed during %s: %s", r.FailedIn, r.Error)
	}
	out := fmt.Sprintf("inserted %d of %d chunks", r.Inserted, r.Total)
	if n := len(r.FailedEmbeddings); n > 0 {
		out += fmt.Sprintf(", %d failed embedding", n)
	}
	if r.Notice != "" {
		out += "; " + r.Notice
	}
	return out
}

// ReembedReport summarizes a ReembedStale run. Failed lists chunk sequences.
type ReembedReport struct {
	DocumentID string `json:"document_id"`
	Candidates int    `json:"candidates"`
	Updated    int    `json:"updated"`
	Failed     []int  `json:"failed"`
}
