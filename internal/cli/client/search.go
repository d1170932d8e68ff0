package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// PageMatch is a page that mentions the search term.
type PageMatch struct {
	Page  int `json:"page"`
	Count int `json:"count"`
}

// SearchResult lists matching pages of one document.
type SearchResult struct {
	Query      string      `json:"query"`
	DocumentID string      `json:"document_id"`
	Results    []PageMatch `json:"results"`
	TotalPages int         `json:"total_pages"`
}

// SearchCmd creates the search command.
func SearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <document-id> <text>",
		Short: "Find the pages of a document that mention some text",
		Long:  "Case-insensitive text search inside one ingested document. Prints each matching page with the number of matching passages.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runSearch(api, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "), outputJSON)
		},
	}
}

func runSearch(api *APIClient, out io.Writer, documentID, text string, outputJSON bool) error {
	resp, err := api.Get("/documents/" + url.PathEscape(documentID) + "/search?" + url.Values{"q": {text}}.Encode())
	if err != nil {
		return fmt.Errorf("failed to search document: %w", err)
	}

	var result SearchResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse search results: %w", err)
	}

	if outputJSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(result.Results) == 0 {
		fmt.Fprintf(out, "No pages mention %q.\n", result.Query)
		return nil
	}
	fmt.Fprintf(out, "%q found on %d page(s):\n", result.Query, result.TotalPages)
	for _, m := range result.Results {
		fmt.Fprintf(out, "  p. %d  (%d)\n", m.Page, m.Count)
	}
	return nil
}
