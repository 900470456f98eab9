package docker

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTimer struct {
	sleeps []time.Duration
}

func (t *countingTimer) After(d time.Duration) <-chan time.Time {
	t.sleeps = append(t.sleeps, d)
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func TestSettleAttempts(t *testing.T) {
	assert.Equal(t, uint(7), SettleOptions{Window: 3 * time.Second, Interval: 500 * time.Millisecond}.attempts())
	assert.Equal(t, uint(1), SettleOptions{Window: 0, Interval: time.Second}.attempts())
	assert.Equal(t, uint(1), SettleOptions{Window: time.Second}.attempts())
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name     string
		script   []*container.State
		kind     SettleKind
		exitCode int
		sleeps   int
	}{
		{
			name:   "running for the whole window",
			script: []*container.State{running()},
			kind:   Stable,
			sleeps: 6,
		},
		{
			name:   "one-shot exits zero",
			script: []*container.State{running(), exited(0)},
			kind:   Exited,
			sleeps: 1,
		},
		{
			name:     "crash on start",
			script:   []*container.State{exited(3)},
			kind:     Exited,
			exitCode: 3,
			sleeps:   0,
		},
		{
			name:   "stuck in created",
			script: []*container.State{created()},
			kind:   TimedOut,
			sleeps: 6,
		},
		{
			name:   "restart loop then running",
			script: []*container.State{{Status: "restarting"}, running()},
			kind:   Stable,
			sleeps: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.containers["c"] = true
			api.script = tt.script
			timer := &countingTimer{}

			res, err := Settle(context.Background(), api, "c", SettleOptions{
				Window:   3 * time.Second,
				Interval: 500 * time.Millisecond,
				timer:    timer,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Len(t, timer.sleeps, tt.sleeps)
		})
	}
}

func TestSettleMissingContainer(t *testing.T) {
	api := newFakeAPI()
	timer := &countingTimer{}

	_, err := Settle(context.Background(), api, "gone", SettleOptions{
		Window:   time.Second,
		Interval: 100 * time.Millisecond,
		timer:    timer,
	})
	assert.Error(t, err)
	assert.True(t, isNotFound(err))
	assert.Empty(t, timer.sleeps)
}
