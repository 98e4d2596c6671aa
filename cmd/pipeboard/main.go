package main

import (
	"fmt"
	"os"

	"github.com/transitworks/pipeboard/internal/cmd"
	"github.com/transitworks/pipeboard/internal/version"
)

func main() {
	cmd.SetVersionInfo(version.Version, version.Commit, version.Date)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
