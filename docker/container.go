package docker

import (
	"fmt"

	"tangled.sh/tangled.sh/dockship/fsm"
)

// ContainerState mirrors the engine's container status strings.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateRemoving   ContainerState = "removing"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
)

// containerLifecycle is the set of state changes a container can be observed
// to make between two inspections. Containers started here carry no restart
// policy, so an exited container never comes back to running.
var containerLifecycle = fsm.Table[ContainerState]{
	StateCreated:    {StateRunning, StateExited, StateDead, StateRemoving},
	StateRunning:    {StatePaused, StateRestarting, StateExited, StateDead, StateRemoving},
	StatePaused:     {StateRunning, StateExited, StateDead},
	StateRestarting: {StateRunning, StateExited, StateDead},
	StateExited:     {StateRemoving, StateDead},
	StateRemoving:   {StateDead},
	StateDead:       {},
}

// Container is a container started by a Runner.
type Container struct {
	ID       string
	Image    Image
	ExitCode int

	state *fsm.Machine[ContainerState]
}

func newContainer(id string, img Image) *Container {
	return &Container{
		ID:    id,
		Image: img,
		state: fsm.MustNew(StateCreated, containerLifecycle),
	}
}

func (c *Container) State() ContainerState {
	return c.state.Current()
}

// observe records a state reported by the engine.
func (c *Container) observe(s ContainerState) error {
	if s == c.state.Current() {
		return nil
	}
	if err := c.state.Transition(s); err != nil {
		return fmt.Errorf("container %s: %w", shortID(c.ID), err)
	}
	return nil
}

// Removable reports whether the container has stopped for good.
func (c *Container) Removable() bool {
	switch c.State() {
	case StateCreated, StateExited, StateDead:
		return true
	}
	return false
}
