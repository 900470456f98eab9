package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

type SettleKind int

const (
	// Stable: still running when the window closed.
	Stable SettleKind = iota
	// Exited: stopped inside the window; ExitCode is set.
	Exited
	// TimedOut: neither running nor exited when the window closed.
	TimedOut
)

func (k SettleKind) String() string {
	switch k {
	case Stable:
		return "stable"
	case Exited:
		return "exited"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("SettleKind(%d)", int(k))
}

type SettleResult struct {
	Kind     SettleKind
	ExitCode int
	State    ContainerState
}

type SettleOptions struct {
	Window   time.Duration
	Interval time.Duration

	// timer overrides the retry timer, for tests
	timer retry.Timer
}

// attempts is the number of inspections needed to cover the window: one
// immediately, then one per elapsed interval.
func (o SettleOptions) attempts() uint {
	if o.Interval <= 0 || o.Window <= 0 {
		return 1
	}
	return uint(o.Window/o.Interval) + 1
}

var errNotSettled = errors.New("container still settling")

// Settle polls a freshly started container until it exits or the window
// closes. This distinguishes an immediate crash from a long-running
// process; it is a heuristic, not a readiness check.
func Settle(ctx context.Context, api API, containerID string, opts SettleOptions) (SettleResult, error) {
	var last SettleResult

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(opts.attempts()),
		retry.Delay(opts.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNotSettled)
		}),
	}
	if opts.timer != nil {
		retryOpts = append(retryOpts, retry.WithTimer(opts.timer))
	}

	err := retry.Do(func() error {
		info, err := api.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		if info.ContainerJSONBase == nil || info.State == nil {
			return fmt.Errorf("inspecting %s: no state reported", containerID)
		}

		last.State = ContainerState(string(info.State.Status))
		switch last.State {
		case StateExited, StateDead:
			last.Kind = Exited
			last.ExitCode = info.State.ExitCode
			return nil
		case StateRunning:
			last.Kind = Stable
		default:
			last.Kind = TimedOut
		}
		return errNotSettled
	}, retryOpts...)

	switch {
	case err == nil, errors.Is(err, errNotSettled):
		return last, nil
	default:
		return SettleResult{}, err
	}
}
