package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/models"
)

// Simple tool to republish the queue message for a stuck or failed generation
// job. The durable job row is the source of truth, so losing the original
// Pub/Sub message is always recoverable from here.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	jobID := flag.Int("job-id", 0, "Required: generation_jobs.id to requeue")
	dryRun := flag.Bool("dry-run", true, "Show the job only (no publish)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *jobID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --job-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	job, err := models.GetGenerationJobById(db, *businessID, *jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "job not found: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("job=%d business=%s assignment=%d template=%q status=%s attempts=%d\n",
		job.ID, job.BusinessId, job.AssignmentId, job.TemplateKey, job.Status, job.Attempts)
	if job.ErrorMessage != nil {
		fmt.Printf("last error: %s\n", *job.ErrorMessage)
	}

	if *dryRun {
		fmt.Println("dry-run: no message published")
		return
	}
	if job.Status == models.GenerationJobStatusCompleted {
		fmt.Fprintln(os.Stderr, "job already completed; refusing to requeue")
		os.Exit(1)
	}

	messageID, err := config.PublishGenerationJob(context.Background(), config.GenerationJobMessage{
		GenerationJobId: job.ID,
		AssignmentId:    job.AssignmentId,
		BusinessId:      job.BusinessId,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requeued job %d (message_id=%s)\n", job.ID, messageID)
}
