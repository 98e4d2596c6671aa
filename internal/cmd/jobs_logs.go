package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var (
	jobsLogsTail   int
	jobsLogsFollow bool
)

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the run log for a job",
	Long: `Show the run log for a job.

stdout and stderr of the job command are merged into a single log. With
--follow the command streams appended lines until interrupted, waiting
for the log file if the job has not started yet.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsLogs,
}

func init() {
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsLogsCmd.Flags().IntVar(&jobsLogsTail, "tail", 200, "Show last N lines (0 = full log)")
	jobsLogsCmd.Flags().BoolVar(&jobsLogsFollow, "follow", false, "Follow log output")
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	store := cliStore()

	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	if jobsLogsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err := store.Follow(ctx, jobID, func(line string) error {
			_, err := fmt.Fprintln(os.Stdout, line)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	return printLogTail(store.LogPath(jobID), jobsLogsTail)
}

func printLogTail(path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintln(os.Stdout, "No log yet")
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(os.Stdout, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
