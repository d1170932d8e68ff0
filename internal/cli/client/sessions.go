package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Session is one chat session of a document.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// SessionPage is a page of sessions.
type SessionPage struct {
	Items   []Session `json:"items"`
	Cursor  string    `json:"cursor,omitempty"`
	HasMore bool      `json:"has_more"`
}

// Message is one stored chat message.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Citations  []Citation `json:"citations"`
	Incomplete bool       `json:"incomplete,omitempty"`
	CreatedAt  string     `json:"created_at"`
}

// History is a session with all of its messages.
type History struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
}

// SessionsCmd creates the sessions command.
func SessionsCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "sessions <document-id>",
		Short: "List chat sessions of a document",
		Long:  "Lists the chat sessions of a document, newest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runSessions(api, cmd.OutOrStdout(), args[0], limit, cursor, outputJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")

	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

func runSessions(api *APIClient, out io.Writer, documentID string, limit int, cursor string, outputJSON bool) error {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	path := "/documents/" + documentID + "/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := api.Get(path)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var page SessionPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return fmt.Errorf("failed to parse sessions: %w", err)
	}

	if outputJSON {
		data, _ := json.MarshalIndent(page, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	for _, s := range page.Items {
		fmt.Fprintf(out, "%s  %s  %s\n", s.ID, s.CreatedAt, s.Title)
	}
	if page.HasMore && page.Cursor != "" {
		fmt.Fprintf(out, "\n%s\n", strings.Repeat("-", 40))
		fmt.Fprintf(out, "More results available. Use --cursor %s\n", page.Cursor)
	}
	return nil
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a chat session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if _, err := api.Delete("/sessions/" + args[0]); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}

// HistoryCmd creates the history command.
func HistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runHistory(api, cmd.OutOrStdout(), args[0], outputJSON)
		},
	}
	return cmd
}

func runHistory(api *APIClient, out io.Writer, sessionID string, outputJSON bool) error {
	resp, err := api.Get("/sessions/" + sessionID + "/messages")
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	var history History
	if err := json.Unmarshal(resp.Data, &history); err != nil {
		return fmt.Errorf("failed to parse history: %w", err)
	}

	if outputJSON {
		data, _ := json.MarshalIndent(history, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "%s (document %s)\n", history.Title, history.DocumentID)
	for _, m := range history.Messages {
		fmt.Fprintf(out, "\n[%s] %s\n", m.Role, m.Content)
		if m.Incomplete {
			fmt.Fprintln(out, "  (answer was interrupted)")
		}
		printCitations(out, m.Citations)
	}
	return nil
}
