package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

func newCLITestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	root := t.TempDir()
	return jobstore.NewStore(filepath.Join(root, "jobs"), jobstore.Options{
		ArtifactsRoot: filepath.Join(root, "artifacts"),
		MaxRetries:    1,
	})
}

func TestResolveJobID(t *testing.T) {
	store := newCLITestStore(t)

	job, err := store.Create(jobstore.JobTypeFullPipeline, nil)
	require.NoError(t, err)

	t.Run("exact match", func(t *testing.T) {
		got, err := resolveJobID(store, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got)
	})

	t.Run("prefix match", func(t *testing.T) {
		got, err := resolveJobID(store, job.ID[:16])
		require.NoError(t, err)
		assert.Equal(t, job.ID, got)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := resolveJobID(store, "job-0-nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job not found")
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := resolveJobID(store, "  ")
		require.Error(t, err)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		// Every id starts with "job-", so with two jobs the bare prefix
		// cannot resolve.
		_, err := store.Create(jobstore.JobTypeTrainStrict, nil)
		require.NoError(t, err)

		_, err = resolveJobID(store, "job-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguous")
	})
}

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "short", shortJobID("short"))
	assert.Equal(t, "padded", shortJobID(" padded "))

	long := "job-1700000000-abcdef123456"
	assert.Equal(t, long[:16], shortJobID(long))
	assert.Len(t, shortJobID(long), 16)
}

func TestTailLines(t *testing.T) {
	input := "one\ntwo\nthree\nfour\nfive\n"

	t.Run("fewer lines than requested", func(t *testing.T) {
		lines, err := tailLines(strings.NewReader(input), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three", "four", "five"}, lines)
	})

	t.Run("last n lines", func(t *testing.T) {
		lines, err := tailLines(strings.NewReader(input), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"four", "five"}, lines)
	})

	t.Run("zero is empty", func(t *testing.T) {
		lines, err := tailLines(strings.NewReader(input), 0)
		require.NoError(t, err)
		assert.Nil(t, lines)
	})
}

func TestParseParams(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		params, err := parseParams(nil)
		require.NoError(t, err)
		assert.Nil(t, params)
	})

	t.Run("key value pairs", func(t *testing.T) {
		params, err := parseParams([]string{"sector=transit", "run=a", "empty="})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"sector": "transit", "run": "a", "empty": ""}, params)
	})

	t.Run("value containing equals", func(t *testing.T) {
		params, err := parseParams([]string{"expr=a=b"})
		require.NoError(t, err)
		assert.Equal(t, "a=b", params["expr"])
	})

	t.Run("missing separator", func(t *testing.T) {
		_, err := parseParams([]string{"justakey"})
		require.Error(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := parseParams([]string{"=value"})
		require.Error(t, err)
	})
}
