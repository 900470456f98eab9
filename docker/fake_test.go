package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeAPI is an in-memory engine. Containers report the states queued in
// script one inspection at a time; the last one sticks.
type fakeAPI struct {
	mu sync.Mutex

	calls []string

	images map[string]image.InspectResponse

	buildStream string
	buildErr    error
	pushStream  string
	pullStream  string
	loginErr    error
	logins      []registry.AuthConfig
	pushAuth    []string
	pullAuth    []string

	created    []*container.Config
	script     []*container.State
	current    *container.State
	containers map[string]bool
	stdout     string
	stderr     string

	execExit    int
	execStdout  string
	execStderr  string
	execRunning int
	execCmds    [][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:     map[string]image.InspectResponse{},
		containers: map[string]bool{},
	}
}

var _ API = (*fakeAPI)(nil)

func running() *container.State {
	return &container.State{Status: "running", Running: true}
}

func exited(code int) *container.State {
	return &container.State{Status: "exited", ExitCode: code}
}

func created() *container.State {
	return &container.State{Status: "created"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notFound(what, id string) error {
	return fmt.Errorf("No such %s: %s: %w", what, id, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAPI) addImage(ref, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = image.InspectResponse{ID: id, Size: 42 << 20}
}

func (f *fakeAPI) hasImage(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[ref]
	return ok
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.50"}, nil
}

func (f *fakeAPI) RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RegistryLogin")
	f.logins = append(f.logins, auth)
	if f.loginErr != nil {
		return registry.AuthenticateOKBody{}, f.loginErr
	}
	return registry.AuthenticateOKBody{Status: "Login Succeeded"}, nil
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageBuild")
	_, _ = io.Copy(io.Discard, buildContext)

	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}
	if !strings.Contains(f.buildStream, `"error"`) {
		for _, tag := range options.Tags {
			f.images[tag] = image.InspectResponse{ID: "sha256:0123456789abcdef0123", Size: 42 << 20}
		}
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeAPI) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageInspect")
	img, ok := f.images[imageID]
	if !ok {
		return image.InspectResponse{}, notFound("image", imageID)
	}
	return img, nil
}

func (f *fakeAPI) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageTag")
	img, ok := f.images[source]
	if !ok {
		return notFound("image", source)
	}
	f.images[target] = img
	return nil
}

func (f *fakeAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImagePush")
	f.pushAuth = append(f.pushAuth, options.RegistryAuth)
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImagePull")
	f.pullAuth = append(f.pullAuth, options.RegistryAuth)
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}

func (f *fakeAPI) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageRemove")
	if _, ok := f.images[imageID]; !ok {
		return nil, notFound("image", imageID)
	}
	delete(f.images, imageID)
	return []image.DeleteResponse{{Untagged: imageID}}, nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerCreate")
	f.created = append(f.created, config)
	id := fmt.Sprintf("container%d", len(f.created))
	f.containers[id] = true
	f.current = created()
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerStart")
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerInspect")
	if !f.containers[containerID] {
		return container.InspectResponse{}, notFound("container", containerID)
	}
	if len(f.script) > 0 {
		f.current = f.script[0]
		f.script = f.script[1:]
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: containerID, State: f.current},
	}, nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerStop")
	f.script = nil
	f.current = &container.State{Status: "exited", ExitCode: 137}
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerRemove")
	if !f.containers[containerID] {
		return notFound("container", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerLogs")

	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerExecCreate")
	f.execCmds = append(f.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: "exec1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerExecAttach")

	var buf bytes.Buffer
	if f.execStdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.execStdout))
	}
	if f.execStderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.execStderr))
	}

	conn, peer := net.Pipe()
	peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerExecInspect")
	if f.execRunning > 0 {
		f.execRunning--
		return container.ExecInspect{ExecID: execID, Running: true}, nil
	}
	return container.ExecInspect{ExecID: execID, ExitCode: f.execExit}, nil
}
