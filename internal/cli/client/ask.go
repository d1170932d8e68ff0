package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// AskCmd creates the ask command.
func AskCmd() *cobra.Command {
	var (
		sessionID string
		thinking  bool
	)

	cmd := &cobra.Command{
		Use:   "ask <document-id> <question>",
		Short: "Ask a question about a document",
		Long: `Streams an answer grounded in the document, followed by its page citations.
Pass --session to continue an earlier conversation. Ctrl-C stops the answer;
the text received so far is kept in the session.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			req := ChatRequest{
				DocumentID: args[0],
				Message:    strings.Join(args[1:], " "),
				SessionID:  sessionID,
			}
			return runAsk(ctx, api, cmd.OutOrStdout(), cmd.ErrOrStderr(), req, thinking, outputJSON)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session")
	cmd.Flags().BoolVar(&thinking, "thinking", false, "Show retrieval progress")

	return cmd
}

// askResult is the --output form of an answer.
type askResult struct {
	SessionID string     `json:"session_id"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	Error     string     `json:"error,omitempty"`
}

func runAsk(ctx context.Context, api *APIClient, out, status io.Writer, req ChatRequest, thinking, outputJSON bool) error {
	var (
		answer    strings.Builder
		citations = []Citation{}
		streamErr string
	)

	sessionID, err := api.StreamChat(ctx, req, func(ev ChatEvent) {
		switch ev.Type {
		case "thinking":
			if thinking && !outputJSON {
				fmt.Fprintf(status, "[%s] %s\n", ev.Stage, ev.Content)
				for _, c := range ev.Context {
					fmt.Fprintf(status, "    p.%d %s\n", c.Page, c.Preview)
				}
			}
		case "content":
			answer.WriteString(ev.Content)
			if !outputJSON {
				fmt.Fprint(out, ev.Content)
			}
		case "citations":
			citations = ev.Citations
			if citations == nil {
				citations = []Citation{}
			}
		case "error":
			streamErr = ev.Content
		}
	})
	if ctx.Err() != nil {
		if !outputJSON {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(status, "Stopped. The partial answer was saved.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	if outputJSON {
		data, _ := json.MarshalIndent(askResult{
			SessionID: sessionID,
			Content:   answer.String(),
			Citations: citations,
			Error:     streamErr,
		}, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintln(out)
	if streamErr != "" {
		return fmt.Errorf("%s", streamErr)
	}
	printCitations(out, citations)
	fmt.Fprintf(status, "\nSession: %s\n", sessionID)
	return nil
}

func printCitations(out io.Writer, citations []Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Fprintln(out, "\nSources:")
	for _, c := range citations {
		label := fmt.Sprintf("p. %d", c.Page)
		if c.Page == 0 {
			label = fmt.Sprintf("source %d", c.Source)
		}
		if c.Section != "" {
			label += " (" + c.Section + ")"
		}
		if c.Unresolved {
			label += " [not in retrieved text]"
		}
		fmt.Fprintf(out, "  %s", label)
		if c.Text != "" {
			fmt.Fprintf(out, ": %s", c.Text)
		}
		fmt.Fprintln(out)
	}
}
