package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/transitworks/pipeboard/internal/config"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage pipeline jobs",
	Long: `Manage job records for long-running pipeline runs.

This command group is designed to be script-friendly:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing

List, status, cancel, and logs read the job store directly and work
whether or not the server is running. Submit talks to a running server.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

// cliStore opens the job store read-side for terminal commands. The index is
// left unopened; listing walks the record directory.
func cliStore() *jobstore.Store {
	cfg := config.GetConfig()
	return jobstore.NewStore(cfg.Jobs.DataDir, jobstore.Options{
		ArtifactsRoot: cfg.Jobs.ArtifactsDir,
		MaxRetries:    cfg.Jobs.MaxRetries,
	})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := cliStore()
	jobs, err := store.List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATE\tATTEMPTS\tCREATED\tFINISHED\tNOTE")
	for _, j := range jobs {
		note := j.Note
		if note == "" && j.Error != "" {
			note = j.Error
		}
		if note == "" {
			note = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.Type,
			j.State,
			j.Attempts,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.FinishedAt),
			note,
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := cliStore()
	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}

	job, err := store.Load(jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "job_type=%s\n", job.Type)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", job.State)
	_, _ = fmt.Fprintf(os.Stdout, "attempts=%d/%d\n", job.Attempts, job.MaxRetries+1)
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "finished_at=%s\n", job.FinishedAt.UTC().Format(time.RFC3339))
	}
	if job.ArtifactsDir != "" {
		_, _ = fmt.Fprintf(os.Stdout, "artifacts_dir=%s\n", job.ArtifactsDir)
	}
	if job.LogPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "log_path=%s\n", job.LogPath)
	}
	keys := make([]string, 0, len(job.Params))
	for k := range job.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(os.Stdout, "param.%s=%s\n", k, job.Params[k])
	}
	if job.Note != "" {
		_, _ = fmt.Fprintf(os.Stdout, "note=%s\n", job.Note)
	}
	if job.Error != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", job.Error)
	}

	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 16 {
		return jobID
	}
	return jobID[:16]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobstore.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Load(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
