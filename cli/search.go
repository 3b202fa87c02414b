package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crmkit/knowledge/engine/infra/server"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/retriever"
	"github.com/crmkit/knowledge/pkg/config"
)

const previewRunes = 160

type searchFlags struct {
	owner     string
	document  string
	threshold float64
	topK      int
	maxTokens int
}

// SearchCmd runs a similarity search against the configured store.
func SearchCmd() *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Find the chunks most similar to a query",
		Example: `  knowledge search --owner acme "how long do refunds take"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, flags, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.owner, "owner", "", "Owner (tenant) id to search within")
	f.StringVar(&flags.document, "document", "", "Restrict the search to one document")
	f.Float64Var(&flags.threshold, "threshold", -1, "Minimum cosine similarity in [0,1] (default from config)")
	f.IntVar(&flags.topK, "top-k", 0, "Maximum number of results (default from config)")
	f.IntVar(&flags.maxTokens, "max-tokens", 0, "Token budget for the returned content")
	return cmd
}

func runSearch(cmd *cobra.Command, flags *searchFlags, query string) error {
	ctx := cmd.Context()
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(flags.owner) == "" {
		return errors.New("--owner is required")
	}
	deps, err := server.Setup(ctx, config.FromContext(ctx))
	if err != nil {
		return err
	}
	defer deps.Close(context.WithoutCancel(ctx))
	defaults := deps.State.Defaults
	req := retriever.QueryRequest{
		OwnerID:    flags.owner,
		DocumentID: flags.document,
		Text:       query,
		Threshold:  flags.threshold,
		TopK:       flags.topK,
		MaxTokens:  flags.maxTokens,
	}
	if !cmd.Flags().Changed("threshold") {
		req.Threshold = defaults.Threshold
	}
	if req.TopK == 0 {
		req.TopK = defaults.TopK
	}
	if req.TopK > defaults.MaxTopK {
		return fmt.Errorf("--top-k %d exceeds the maximum of %d", req.TopK, defaults.MaxTopK)
	}
	results, err := deps.State.Retriever.Query(ctx, req)
	if err != nil {
		return err
	}
	if format == formatJSON {
		if results == nil {
			results = []knowledge.RetrievalResult{}
		}
		return printJSON(cmd, results)
	}
	printSearchText(cmd, results)
	return nil
}

func printSearchText(cmd *cobra.Command, results []knowledge.RetrievalResult) {
	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(w, "no chunks matched")
		return
	}
	for i := range results {
		r := &results[i]
		heading := fmt.Sprintf("#%d  score %.3f", i+1, r.Score)
		if r.Stale {
			heading += "  (stale)"
		}
		fmt.Fprintln(w, titleStyle.Render(heading))
		printField(w, "document", fmt.Sprintf("%s #%d", r.DocumentID, r.Sequence))
		fmt.Fprintln(w, preview(r.Content))
		fmt.Fprintln(w)
	}
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "…"
}
