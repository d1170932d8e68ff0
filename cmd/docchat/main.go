package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/docchat/internal/cli"
	"github.com/cloo-solutions/docchat/internal/cli/client"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "docchat",
		Short: "docchat CLI - chat with your PDFs",
		Long: `docchat uploads PDFs to a docchat server and answers questions about them
with page citations.

Environment variables:
  DOCCHAT_API_KEY   API key, if the server requires one
  DOCCHAT_API_URL   API base URL (default: http://localhost:8080)
  DOCCHAT_CONFIG    Config file written by "docchat auth login"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("api-key", "", "API key for authentication (overrides env and config)")
	rootCmd.PersistentFlags().String("api-url", "", "API base URL (overrides env and config)")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.UploadCmd())
	rootCmd.AddCommand(client.StatusCmd())
	rootCmd.AddCommand(client.ReingestCmd())
	rootCmd.AddCommand(client.AskCmd())
	rootCmd.AddCommand(client.SessionsCmd())
	rootCmd.AddCommand(client.HistoryCmd())
	rootCmd.AddCommand(client.SearchCmd())
	rootCmd.AddCommand(client.AuthCmd())

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
