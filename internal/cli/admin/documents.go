package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloo-solutions/docchat/internal/app"
	"github.com/cloo-solutions/docchat/internal/repository"
	"github.com/spf13/cobra"
)

// ReingestCmd resets a document and queues it for ingestion again.
func ReingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reingest <document-id>",
		Short: "Re-run ingestion for a document",
		Long: `Reset a FAILED document to UPLOADED, clear its chunks and queue a new ingestion job.
A READY document is only reset with --force. With --now the pipeline runs in
this process instead of waiting for the daemon's worker.`,
		Args: cobra.ExactArgs(1),
		RunE: runReingest,
	}

	cmd.Flags().Bool("force", false, "Also re-ingest a READY document")
	cmd.Flags().Bool("now", false, "Run the pipeline in this process")
	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")

	return cmd
}

func runReingest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	documentID := args[0]
	force, _ := cmd.Flags().GetBool("force")
	now, _ := cmd.Flags().GetBool("now")
	outputFormat, _ := cmd.Flags().GetString("output")

	cfg, logger, err := loadEnv()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	daemon, err := app.New(ctx, app.Options{Config: cfg, Pool: pool, Logger: logger})
	if err != nil {
		return err
	}

	doc, err := daemon.Documents.Reingest(ctx, documentID, force)
	if err != nil {
		return fmt.Errorf("failed to reset document: %w", err)
	}

	if now {
		// The queued job is left behind; the worker finds the document
		// no longer UPLOADED and completes it as a no-op.
		if err := daemon.Orchestrator.Ingest(ctx, documentID); err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		if doc, err = daemon.Documents.Get(ctx, documentID); err != nil {
			return fmt.Errorf("failed to reload document: %w", err)
		}
	}

	if outputFormat == "json" {
		data := map[string]interface{}{
			"id":     doc.ID,
			"status": doc.Status,
			"stage":  doc.Stage,
			"error":  doc.Error,
		}
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
		return nil
	}

	fmt.Printf("Document %s is %s\n", doc.ID, doc.Status)
	if doc.Error != "" {
		fmt.Printf("  error: %s\n", doc.Error)
	}
	return nil
}

// RequeueStaleCmd returns abandoned ingestion jobs to the queue.
func RequeueStaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Requeue abandoned ingestion jobs",
		Long:  "Return jobs that have been running longer than the lease to the queue and reset their documents to UPLOADED. Jobs that already used max-attempts claims are failed with their documents instead.",
		Args:  cobra.NoArgs,
		RunE:  runRequeueStale,
	}

	cmd.Flags().Duration("lease", 0, "Lease after which a running job is stale (default DOCCHAT_JOB_LEASE)")
	cmd.Flags().Int("max-attempts", 0, "Fail jobs that already used this many attempts (default DOCCHAT_JOB_MAX_ATTEMPTS)")

	return cmd
}

func runRequeueStale(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, logger, err := loadEnv()
	if err != nil {
		return err
	}
	lease, _ := cmd.Flags().GetDuration("lease")
	if lease <= 0 {
		lease = cfg.JobLease
	}
	if lease < time.Second {
		return fmt.Errorf("lease must be at least 1s")
	}
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	if maxAttempts <= 0 {
		maxAttempts = cfg.JobMaxAttempts
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	stale, err := repository.NewIngestionJobRepository(pool).RequeueStale(ctx, lease, maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	if stale.Empty() {
		fmt.Println("No stale ingestion jobs")
		return nil
	}
	logger.Info("recovered stale ingestion jobs", "requeued", stale.Requeued, "failed", stale.Exhausted)
	if len(stale.Requeued) > 0 {
		fmt.Printf("Requeued %d job(s):\n", len(stale.Requeued))
		for _, id := range stale.Requeued {
			fmt.Printf("  %s\n", id)
		}
	}
	if len(stale.Exhausted) > 0 {
		fmt.Printf("Failed %d job(s) after %d attempts:\n", len(stale.Exhausted), maxAttempts)
		for _, id := range stale.Exhausted {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}
