package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

const (
	formatText = "text"
	formatJSON = "json"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// outputFormat resolves --output, defaulting to text on a terminal and json
// when piped.
func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "":
		if isTerminal(cmd.OutOrStdout()) {
			return formatText, nil
		}
		return formatJSON, nil
	case formatText, formatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q: must be text or json", format)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	data = pretty.Pretty(data)
	if isTerminal(cmd.OutOrStdout()) {
		data = pretty.Color(data, nil)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label+":"), value)
}

func printError(cmd *cobra.Command, err error) {
	fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("Error:"), err.Error())
}
