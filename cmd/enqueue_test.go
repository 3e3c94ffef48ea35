package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnqueueTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{Use: "enqueue"}
	registerEnqueueFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestBuildJobDataDefaults(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000123)
	data, err := buildJobData(newEnqueueTestCmd(t), now)
	require.NoError(t, err)

	assert.Equal(t, "test-job-1700000000123", data.JobID)
	assert.Contains(t, data.ResumeText, "John Doe")
	assert.Contains(t, data.JobDescription, "Senior Software Engineer")
}

func TestBuildJobDataFromFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	resume := filepath.Join(dir, "resume.txt")
	description := filepath.Join(dir, "jd.txt")
	require.NoError(t, os.WriteFile(resume, []byte("Jane Roe, SRE"), 0o600))
	require.NoError(t, os.WriteFile(description, []byte("Platform engineer"), 0o600))

	data, err := buildJobData(newEnqueueTestCmd(t,
		"--resume-file", resume,
		"--job-description-file", description,
		"--job-id", "job-42",
	), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "job-42", data.JobID)
	assert.Equal(t, "Jane Roe, SRE", data.ResumeText)
	assert.Equal(t, "Platform engineer", data.JobDescription)
}

func TestBuildJobDataWithoutDescription(t *testing.T) {
	t.Parallel()

	data, err := buildJobData(newEnqueueTestCmd(t, "--no-job-description"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, data.JobDescription)
}

func TestBuildJobDataFileErrors(t *testing.T) {
	t.Parallel()

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))

	_, err := buildJobData(newEnqueueTestCmd(t, "--resume-file", empty), time.Now())
	require.Error(t, err)

	_, err = buildJobData(newEnqueueTestCmd(t, "--job-description-file", filepath.Join(t.TempDir(), "missing")), time.Now())
	require.Error(t, err)
}
