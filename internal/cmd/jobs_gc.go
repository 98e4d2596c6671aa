package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/internal/config"
	"github.com/transitworks/pipeboard/internal/observability"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg := config.GetConfig()
	store := cliStore()

	// Open the index so deletions also drop the row; WAL mode tolerates a
	// concurrent server. Proceed without it if the open fails.
	if index, err := jobstore.OpenIndex(cmd.Context(), cfg.Jobs.IndexPath); err == nil {
		defer func() { _ = index.Close() }()
		store = jobstore.NewStore(cfg.Jobs.DataDir, jobstore.Options{
			ArtifactsRoot: cfg.Jobs.ArtifactsDir,
			MaxRetries:    cfg.Jobs.MaxRetries,
			Index:         index,
		})
	} else {
		observability.CLILogger.Warn("Jobs index unavailable, deleting records only", zap.Error(err))
	}

	jobs, err := store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		if !j.State.Terminal() || j.FinishedAt == nil {
			continue
		}
		if now.Sub(j.FinishedAt.UTC()) <= maxAge {
			continue
		}
		if dryRun {
			deleted++
			continue
		}
		if err := store.Delete(j.ID); err != nil {
			return err
		}
		deleted++
	}

	result := jobsGCResult{
		DryRun:       dryRun,
		MaxAgeString: maxAgeStr,
	}
	if dryRun {
		result.WouldDelete = deleted
	} else {
		result.Deleted = deleted
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "Would delete %d job(s) older than %s\n", deleted, maxAgeStr)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "Deleted %d job(s) older than %s\n", deleted, maxAgeStr)
	}
	return nil
}
