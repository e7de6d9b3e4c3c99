package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"VisaTracker/internal/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [file]",
	Short: "Resolve a saved visa API payload to a status",
	Long: `Reads a visa API JSON payload from file (or stdin when omitted or "-")
and prints the normalized status and application date.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open payload: %w", err)
		}
		defer f.Close()
		in = f
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	return json.NewEncoder(cmd.OutOrStdout()).Encode(resolver.ResolveJSON(raw))
}
