package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/dockship/config"
	"tangled.sh/tangled.sh/dockship/db"
	"tangled.sh/tangled.sh/dockship/docker"
	"tangled.sh/tangled.sh/dockship/pipeline"
)

// isolate clears the variables a developer machine might set and points
// the history at a temporary database.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"DOCKERFILE_PATH", "IMAGE_NAME", "IMAGE_TAG", "REMOTE_HOST", "REMOTE_USER", "SSH_KEY_PATH", "REMOTE_CONTAINER_NAME", "DOCKER_USERNAME", "DOCKER_PASSWORD"} {
		t.Setenv(k, "")
	}
	dbPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("DOCKSHIP_DB_PATH", dbPath)
	t.Setenv("DOCKSHIP_LOG_LEVEL", "error")
	return dbPath
}

func TestCIFailsValidationBeforeEngine(t *testing.T) {
	isolate(t)
	missing := filepath.Join(t.TempDir(), "none.env")

	err := CICommand().Run(context.Background(), []string{"ci", "--env-file", missing, "--plan", ""})
	assert.ErrorIs(t, err, config.ErrMissing)
	assert.ErrorContains(t, err, "DOCKERFILE_PATH")
}

func TestPlanDisablesPhase(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	planPath := filepath.Join(dir, "dockship.yml")
	require.NoError(t, os.WriteFile(planPath, []byte("phases: [cd]\n"), 0o644))

	err := CICommand().Run(context.Background(), []string{"ci", "--env-file", filepath.Join(dir, ".env"), "--plan", planPath})
	assert.ErrorContains(t, err, "nothing to do")
}

func TestExplicitPlanMustExist(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	err := CICommand().Run(context.Background(), []string{"ci", "--env-file", filepath.Join(dir, ".env"), "--plan", filepath.Join(dir, "nope.yml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHistory(t *testing.T) {
	dbPath := isolate(t)
	dir := t.TempDir()

	d, err := db.Make(dbPath)
	require.NoError(t, err)
	started := time.Now().Add(-time.Hour)
	require.NoError(t, d.SaveRun(context.Background(), &pipeline.Run{
		ID:       "0b5f5f0c-run",
		Kind:     pipeline.KindCI,
		Image:    "app:v1",
		Outcome:  pipeline.Succeeded,
		Started:  started,
		Finished: started.Add(time.Minute),
		Stages: []pipeline.StageResult{
			{Stage: pipeline.StageBuild, Outcome: pipeline.Succeeded, Started: started, Finished: started.Add(time.Minute)},
		},
	}))
	require.NoError(t, d.Close())

	var out bytes.Buffer
	cmd := HistoryCommand()
	cmd.Writer = &out
	require.NoError(t, cmd.Run(context.Background(), []string{"history", "--env-file", filepath.Join(dir, ".env")}))
	assert.Contains(t, out.String(), "0b5f5f0c-run")
	assert.Contains(t, out.String(), "1 hour ago")

	out.Reset()
	cmd = HistoryCommand()
	cmd.Writer = &out
	require.NoError(t, cmd.Run(context.Background(), []string{"history", "--env-file", filepath.Join(dir, ".env"), "0b5f5f0c-run"}))
	assert.Contains(t, out.String(), "build")
	assert.Contains(t, out.String(), "1m0s")
}

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"nginx", "nginx:latest"},
		{"docker.io/library/nginx:1.27", "nginx:1.27"},
		{"ghcr.io/acme/app", "ghcr.io/acme/app:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := normalizeRef("Not A Ref")
	assert.ErrorIs(t, err, docker.ErrInvalidReference)
}
