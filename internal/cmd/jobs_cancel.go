package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a job",
	Long: `Request cancellation of a queued or running job.

Cancellation is cooperative: a running job gets SIGTERM, a grace period,
then SIGKILL. The marker is written to the job store, so this works even
when the server process is a different one from this command.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

func init() {
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsCancel(_ *cobra.Command, args []string) error {
	store := cliStore()

	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	job, err := store.Load(jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		err := fmt.Errorf("job %s is already %s", job.ID, job.State)
		return exitError(foundry.ExitInvalidArgument, "Job already finished", err)
	}

	if err := store.MarkCancel(job.ID); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write cancellation marker", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Cancellation requested for %s\n", job.ID)
	return nil
}
