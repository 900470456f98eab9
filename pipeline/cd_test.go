package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cdFixture struct {
	j        *journal
	deployer *fakeDeployer
	source   *fakePusher
	local    *fakeLocal
	sleeper  *recordingSleep
}

func newCDFixture() *cdFixture {
	j := &journal{}
	return &cdFixture{
		j:        j,
		deployer: &fakeDeployer{j: j},
		source:   &fakePusher{j: j, ref: "alice/app:v1"},
		local:    &fakeLocal{j: j},
		sleeper:  &recordingSleep{},
	}
}

func (f *cdFixture) cd(opts CDOptions) *CD {
	c := NewCD(f.deployer, f.source, f.local, opts, discardLogger())
	c.sleep = f.sleeper.sleep
	return c
}

func TestCDTableIsValid(t *testing.T) {
	require.NoError(t, cdTable.Validate())
}

func TestCDSuccess(t *testing.T) {
	f := newCDFixture()
	c := f.cd(CDOptions{LogDelay: 3 * time.Second, LogAttempts: 5, LogRetryDelay: time.Second})

	run := c.Execute(context.Background())

	assert.True(t, run.Succeeded())
	assert.Equal(t, CDSucceeded, c.State())
	assert.Equal(t, "alice/app:v1", f.deployer.pulled)
	assert.Equal(t, []string{"remote-pull", "remote-stop", "remote-run", "remote-logs", "remove-local", "remove-local"}, f.j.calls)
	assert.Equal(t, []string{"alice/app:v1", "alice/app:latest"}, f.local.removed)
	assert.Equal(t, []time.Duration{3 * time.Second}, f.sleeper.slept)

	logs, ok := run.Stage(StageLogs)
	require.True(t, ok)
	assert.Equal(t, "listening on :8080", logs.Note)
}

func TestCDExplicitImage(t *testing.T) {
	f := newCDFixture()
	run := f.cd(CDOptions{Image: "ghcr.io/acme/app:latest"}).Execute(context.Background())

	require.True(t, run.Succeeded())
	assert.Equal(t, "ghcr.io/acme/app:latest", f.deployer.pulled)
	assert.Equal(t, []string{"ghcr.io/acme/app:latest"}, f.local.removed)
}

func TestCDNoImage(t *testing.T) {
	f := newCDFixture()
	f.source.ref = ""
	c := f.cd(CDOptions{})

	run := c.Execute(context.Background())

	assert.Equal(t, StagePull, run.FailedAt)
	assert.ErrorIs(t, run.Err, ErrNoImage)
	assert.Zero(t, f.j.count("remote-pull"))
	assert.Empty(t, f.local.removed)
}

func TestCDFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *cdFixture)
		failedAt Stage
		calls    []string
	}{
		{
			name:     "pull fails",
			setup:    func(f *cdFixture) { f.deployer.pullErr = errBoom },
			failedAt: StagePull,
			calls:    []string{"remote-pull", "remote-logs"},
		},
		{
			name:     "stop fails",
			setup:    func(f *cdFixture) { f.deployer.stopErr = errBoom },
			failedAt: StageStop,
			calls:    []string{"remote-pull", "remote-stop", "remote-logs"},
		},
		{
			name:     "run fails",
			setup:    func(f *cdFixture) { f.deployer.runErr = errBoom },
			failedAt: StageDeploy,
			calls:    []string{"remote-pull", "remote-stop", "remote-run", "remote-logs"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCDFixture()
			f.local = nil
			tt.setup(f)
			c := NewCD(f.deployer, f.source, nil, CDOptions{}, discardLogger())
			c.sleep = f.sleeper.sleep

			run := c.Execute(context.Background())

			assert.False(t, run.Succeeded())
			assert.Equal(t, tt.failedAt, run.FailedAt)
			assert.Equal(t, CDFailed, c.State())
			assert.Equal(t, tt.calls, f.j.calls)
		})
	}
}

func TestCDLogFetchNeverChangesOutcome(t *testing.T) {
	t.Run("success stays success", func(t *testing.T) {
		f := newCDFixture()
		f.deployer.logsErr = errBoom
		run := f.cd(CDOptions{}).Execute(context.Background())

		assert.True(t, run.Succeeded())
		logs, _ := run.Stage(StageLogs)
		assert.Equal(t, Failed, logs.Outcome)
		assert.True(t, logs.BestEffort)
	})

	t.Run("failure stays failure", func(t *testing.T) {
		f := newCDFixture()
		f.deployer.runErr = errBoom
		run := f.cd(CDOptions{}).Execute(context.Background())

		assert.False(t, run.Succeeded())
		assert.Equal(t, StageDeploy, run.FailedAt)
		logs, _ := run.Stage(StageLogs)
		assert.Equal(t, Succeeded, logs.Outcome)
	})
}

func TestCDLocalCleanupSurvivesCancellation(t *testing.T) {
	f := newCDFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.cd(CDOptions{}).Execute(ctx)

	assert.Equal(t, []string{"alice/app:v1", "alice/app:latest"}, f.local.removed)
	assert.Equal(t, []error{nil, nil}, f.local.ctxErrs)
}
