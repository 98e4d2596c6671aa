// Package cmd implements the pipeboard command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitworks/pipeboard/internal/config"
	"github.com/transitworks/pipeboard/internal/observability"
)

// versionInfo holds build metadata injected at link time.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata shown by the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootLogLevel string
	rootVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeboard",
	Short: "Dashboard backend for long-running pipeline jobs",
	Long: `pipeboard runs and tracks long-running pipeline jobs.

The serve command hosts the HTTP API and the job orchestrator. The jobs
command group manages job records from the terminal:

  pipeboard serve
  pipeboard jobs submit full-pipeline --param sector=transit
  pipeboard jobs list
  pipeboard jobs logs <job_id> --follow`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		overrides := map[string]any{}
		if rootLogLevel != "" {
			overrides["logging"] = map[string]any{"level": rootLogLevel}
		}
		if _, err := config.Load(cmd.Context(), overrides); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg := config.GetConfig()
		observability.InitCLILogger(cfg.Logging.Level, rootVerbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Verbose console logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
