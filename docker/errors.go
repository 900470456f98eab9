package docker

import (
	"errors"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrEngineUnavailable        = errors.New("cannot connect to docker engine")
	ErrDockerfileNotFound       = errors.New("dockerfile not found")
	ErrNotAFile                 = errors.New("path is not a file")
	ErrDockerfileOutsideContext = errors.New("dockerfile is outside the build context")
	ErrInvalidReference         = errors.New("invalid image reference")
	ErrImageExists              = errors.New("image already exists")
	ErrBuildFailed              = errors.New("build failed")
	ErrNotBuilt                 = errors.New("image was not built by this builder")
	ErrContainerExited          = errors.New("container exited with non-zero status")
	ErrContainerUnsettled       = errors.New("container did not settle")
	ErrContainerRunning         = errors.New("container is running")
	ErrNoContainer              = errors.New("no container started")
	ErrNoNamespace              = errors.New("no registry namespace configured")
	ErrPushFailed               = errors.New("push failed")
	ErrPullFailed               = errors.New("pull failed")
	ErrNoReference              = errors.New("no image reference to pull")
)

func isNotFound(err error) bool {
	return err != nil && (cerrdefs.IsNotFound(err) || isErrContainerNotFoundOrNotRunning(err))
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
