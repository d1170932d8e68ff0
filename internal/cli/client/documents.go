package client

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// Document mirrors the API document representation.
type Document struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename,omitempty"`
	FileSize    int64   `json:"file_size,omitempty"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage,omitempty"`
	PageCount   int     `json:"page_count"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
	ProcessedAt *string `json:"processed_at"`
}

func (d *Document) terminal() bool {
	return d.Status == "READY" || d.Status == "FAILED"
}

const defaultPollInterval = 2 * time.Second

// UploadCmd creates the upload command.
func UploadCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Upload a PDF",
		Long:  "Uploads a PDF for ingestion. Uploading identical content returns the existing document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runUpload(api, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], wait, timeout, outputJSON)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until ingestion finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")

	return cmd
}

func runUpload(api *APIClient, out, progress io.Writer, path string, wait bool, timeout time.Duration, outputJSON bool) error {
	var onProgress ProgressFunc
	if !outputJSON {
		onProgress = func(current, total int64) {
			if total > 0 {
				fmt.Fprintf(progress, "\rUploading... %d%%", current*100/total)
			}
		}
	}

	resp, err := api.UploadDocument(path, onProgress)
	if onProgress != nil {
		fmt.Fprintln(progress)
	}
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(resp.Data, &doc); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}

	if !outputJSON {
		if resp.StatusCode == 200 {
			fmt.Fprintf(out, "Already uploaded: %s (%s)\n", doc.ID, doc.Status)
		} else {
			fmt.Fprintf(out, "Uploaded: %s\n", doc.ID)
		}
	}

	if wait && !doc.terminal() {
		final, err := waitForDocument(api, doc.ID, defaultPollInterval, timeout, func(d *Document) {
			if !outputJSON {
				fmt.Fprintf(progress, "  %s %s\n", d.Status, d.Stage)
			}
		})
		if err != nil {
			return err
		}
		doc = *final
	}

	return printDocument(out, &doc, outputJSON)
}

// StatusCmd creates the status command.
func StatusCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show ingestion status",
		Long:  "Shows the status, current stage and error of a document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			var doc *Document
			if wait {
				doc, err = waitForDocument(api, args[0], defaultPollInterval, timeout, nil)
			} else {
				doc, err = fetchStatus(api, args[0])
			}
			if err != nil {
				return err
			}
			return printDocument(cmd.OutOrStdout(), doc, outputJSON)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until ingestion finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")

	return cmd
}

func fetchStatus(api *APIClient, id string) (*Document, error) {
	resp, err := api.Get("/documents/" + id + "/status")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(resp.Data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &doc, nil
}

// waitForDocument polls the status endpoint until the document is READY or
// FAILED. onChange sees every status or stage change.
func waitForDocument(api *APIClient, id string, interval, timeout time.Duration, onChange func(*Document)) (*Document, error) {
	deadline := time.Now().Add(timeout)
	var last string

	for {
		doc, err := fetchStatus(api, id)
		if err != nil {
			return nil, err
		}
		if key := doc.Status + "/" + doc.Stage; key != last {
			last = key
			if onChange != nil {
				onChange(doc)
			}
		}
		if doc.terminal() {
			return doc, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("document %s still %s after %s", id, doc.Status, timeout)
		}
		time.Sleep(interval)
	}
}

// ReingestCmd creates the reingest command.
func ReingestCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reingest <document-id>",
		Short: "Re-run ingestion",
		Long:  "Resets a FAILED document, or a READY one with --force, and queues it for ingestion again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			path := "/documents/" + args[0] + "/reingest"
			if force {
				path += "?force=true"
			}
			resp, err := api.Post(path, nil)
			if err != nil {
				return fmt.Errorf("reingest failed: %w", err)
			}
			var doc Document
			if err := json.Unmarshal(resp.Data, &doc); err != nil {
				return fmt.Errorf("failed to parse document: %w", err)
			}
			return printDocument(cmd.OutOrStdout(), &doc, outputJSON)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Also re-ingest a READY document")

	return cmd
}

func printDocument(out io.Writer, doc *Document, outputJSON bool) error {
	if outputJSON {
		data, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "ID:     %s\n", doc.ID)
	if doc.Filename != "" {
		fmt.Fprintf(out, "File:   %s\n", doc.Filename)
	}
	fmt.Fprintf(out, "Status: %s\n", doc.Status)
	if doc.Stage != "" {
		fmt.Fprintf(out, "Stage:  %s\n", doc.Stage)
	}
	if doc.PageCount > 0 {
		fmt.Fprintf(out, "Pages:  %d\n", doc.PageCount)
	}
	if doc.Error != "" {
		fmt.Fprintf(out, "Error:  %s\n", doc.Error)
	}
	if doc.Status == "FAILED" {
		fmt.Fprintf(out, "Run 'docchat reingest %s' to retry.\n", doc.ID)
	}
	return nil
}
