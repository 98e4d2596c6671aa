package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/internal/config"
	apperrors "github.com/transitworks/pipeboard/internal/errors"
	"github.com/transitworks/pipeboard/internal/observability"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

var (
	jobsSubmitParams []string
	jobsSubmitJSON   bool
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <job_type>",
	Short: "Submit a job to a running server",
	Long: `Submit a job to the pipeboard server.

The server deduplicates submissions: an active job with the same type and
params is reported instead of queued again.

Examples:
  pipeboard jobs submit full-pipeline
  pipeboard jobs submit train-strict --param sector=transit --param run=a`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

func init() {
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsSubmitCmd.Flags().StringArrayVar(&jobsSubmitParams, "param", nil, "Job parameter as key=value (repeatable)")
	jobsSubmitCmd.Flags().BoolVar(&jobsSubmitJSON, "json", false, "Output as JSON")
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (expected key=value)", pair)
		}
		params[k] = v
	}
	return params, nil
}

func serverBaseURL() string {
	cfg := config.GetConfig()
	return "http://" + net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
}

func runJobsSubmit(_ *cobra.Command, args []string) error {
	jobType := strings.TrimSpace(args[0])
	if !jobstore.JobType(jobType).Valid() {
		err := fmt.Errorf("unknown job type %q (known: %s)", jobType, knownJobTypes())
		observability.CLILogger.Error("Invalid job type", zap.String("job_type", jobType))
		return exitError(foundry.ExitInvalidArgument, "Invalid job type", err)
	}

	params, err := parseParams(jobsSubmitParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid parameters", err)
	}

	body, err := json.Marshal(map[string]any{
		"job_type": jobType,
		"params":   params,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := serverBaseURL() + "/api/jobs"
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		observability.CLILogger.Error("Failed to reach server", zap.String("url", url), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to reach pipeboard server (is it running?)", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var job jobstore.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return err
		}
		if jobsSubmitJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Submitted %s (%s)\n", job.ID, job.Type)
		return nil

	case http.StatusConflict:
		var envelope apperrors.HTTPErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return err
		}
		existing, _ := envelope.Error.Details["job_id"].(string)
		err := fmt.Errorf("an active job with the same type and params already exists: %s", existing)
		return exitError(foundry.ExitInvalidArgument, "Duplicate submission", err)

	default:
		var envelope apperrors.HTTPErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server rejected submission: %s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
}

func knownJobTypes() string {
	names := make([]string, len(jobstore.JobTypes))
	for i, t := range jobstore.JobTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
