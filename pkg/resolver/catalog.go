package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// catalog is the on-disk shape of a command catalog.
//
// Example:
//
//	commands:
//	  full-pipeline: ["bash", "scripts/full_pipeline.sh"]
//	  train-strict: ["python", "-m", "pipeline.train", "--strict"]
type catalog struct {
	Commands map[string][]string `yaml:"commands"`
}

// LoadCatalog reads a YAML catalog from path and returns a resolver whose
// entries override the built-in table for the job types the catalog names.
//
// Unknown job types and empty argv entries are rejected at load time so a
// bad catalog fails at boot, not mid-job.
func LoadCatalog(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("command catalog not found: %s", path)
		}
		return nil, fmt.Errorf("read command catalog: %w", err)
	}

	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("invalid YAML in command catalog: %w", err)
	}

	overrides := make(map[jobstore.JobType][]string, len(cat.Commands))
	for name, argv := range cat.Commands {
		t := jobstore.JobType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("command catalog: unknown job type %q", name)
		}
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("command catalog: empty command for %q", name)
		}
		overrides[t] = argv
	}

	return &Resolver{overrides: overrides}, nil
}
