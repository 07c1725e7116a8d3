package localpod

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// fakeDocker is an in-memory Docker engine. Like the real thing, exec
// really runs the command, here with sh in the container's bind-mount
// source directory. It embeds the CommonAPIClient interface so that only the
// methods the manager calls need implementing.
type fakeDocker struct {
	client.CommonAPIClient

	lock       sync.Mutex
	images     map[string]bool
	pullStream string
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	nextID     int

	startErr  error
	removeErr map[string]error
	// execHook, when set, answers exec commands instead of sh. It returns
	// false to fall through to sh.
	execHook func(cmd []string) (exitCode int, stdout string, handled bool)
	execCmds [][]string
}

type fakeContainer struct {
	id         string
	name       string
	config     container.Config
	hostConfig container.HostConfig
	platform   *v1.Platform
	state      string
	ip         string
	created    int64
}

type fakeExec struct {
	container string
	cmd       []string
	exitCode  int
	done      bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExec),
		removeErr:  make(map[string]error),
	}
}

func (f *fakeDocker) container(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, errdefs.NotFound(utils.MakeError("no such container: %s", id))
	}
	return c, nil
}

// addContainer registers a container as if a previous process created it.
func (f *fakeDocker) addContainer(id, state string, labels map[string]string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    "/" + id,
		config:  container.Config{Image: "old-image", Labels: labels},
		state:   state,
		ip:      "172.17.0.99",
		created: 1651406400,
	}
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.images[image] {
		return types.ImageInspect{}, nil, errdefs.NotFound(utils.MakeError("no such image: %s", image))
	}
	return types.ImageInspect{ID: image}, nil, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	stream := f.pullStream
	if stream == "" {
		stream = `{"status":"Pulling from whist/workspace"}` + "\n" + `{"status":"Download complete"}` + "\n"
		f.images[ref] = true
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.ContainerCreateCreatedBody, error) {
	logger.Infof("Called fake ContainerCreate method.")
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, c := range f.containers {
		if c.name == "/"+containerName {
			return container.ContainerCreateCreatedBody{}, errdefs.Conflict(utils.MakeError("name %s is already in use", containerName))
		}
	}
	f.nextID++
	id := utils.Sprintf("container%d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:         id,
		name:       "/" + containerName,
		config:     *config,
		hostConfig: *hostConfig,
		platform:   platform,
		state:      "created",
		created:    time.Now().Unix(),
	}
	return container.ContainerCreateCreatedBody{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options types.ContainerStartOptions) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.state = "running"
	c.ip = utils.Sprintf("172.17.0.%d", f.nextID+1)
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, timeout *time.Duration) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.state = "exited"
	c.ip = ""
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options types.ContainerRemoveOptions) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.removeErr[id]; err != nil {
		return err
	}
	if _, err := f.container(id); err != nil {
		return err
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, err := f.container(id)
	if err != nil {
		return types.ContainerJSON{}, err
	}
	config := c.config
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    c.id,
			Name:  c.name,
			State: &types.ContainerState{Status: c.state, Running: c.state == "running"},
		},
		Config: &config,
		NetworkSettings: &types.NetworkSettings{
			DefaultNetworkSettings: types.DefaultNetworkSettings{IPAddress: c.ip},
		},
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []types.Container
	for _, id := range utils.SortedKeys(f.containers) {
		c := f.containers[id]
		if !options.Filters.MatchKVList("label", c.config.Labels) {
			continue
		}
		if !options.All && c.state != "running" {
			continue
		}
		out = append(out, types.Container{
			ID:      c.id,
			Names:   []string{c.name},
			Image:   c.config.Image,
			Labels:  c.config.Labels,
			State:   c.state,
			Created: c.created,
			NetworkSettings: &types.SummaryNetworkSettings{
				Networks: map[string]*network.EndpointSettings{"bridge": {IPAddress: c.ip}},
			},
		})
	}
	return out, nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, config types.ExecConfig) (types.IDResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, err := f.container(id)
	if err != nil {
		return types.IDResponse{}, err
	}
	if c.state != "running" {
		return types.IDResponse{}, errdefs.Conflict(utils.MakeError("container %s is not running", id))
	}
	f.nextID++
	execID := utils.Sprintf("exec%d", f.nextID)
	f.execs[execID] = &fakeExec{container: id, cmd: config.Cmd}
	f.execCmds = append(f.execCmds, config.Cmd)
	return types.IDResponse{ID: execID}, nil
}

// mountSource returns the host side of the container's first bind.
func (c *fakeContainer) mountSource() string {
	if len(c.hostConfig.Binds) == 0 {
		return ""
	}
	return strings.SplitN(c.hostConfig.Binds[0], ":", 2)[0]
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error) {
	f.lock.Lock()
	e, ok := f.execs[execID]
	var dir string
	if ok {
		if c, err := f.container(e.container); err == nil {
			dir = c.mountSource()
		}
	}
	hook := f.execHook
	f.lock.Unlock()
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(utils.MakeError("no such exec: %s", execID))
	}

	server, conn := net.Pipe()
	finish := func(exitCode int) {
		f.lock.Lock()
		e.exitCode = exitCode
		e.done = true
		f.lock.Unlock()
		server.Close()
	}

	if hook != nil {
		if exitCode, stdout, handled := hook(e.cmd); handled {
			go func() {
				if stdout != "" {
					_, _ = stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(stdout))
				}
				finish(exitCode)
			}()
			return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
		}
	}

	cmd := exec.Command(e.cmd[0], e.cmd[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdcopy.NewStdWriter(server, stdcopy.Stdout)
	cmd.Stderr = stdcopy.NewStdWriter(server, stdcopy.Stderr)
	if err := cmd.Start(); err != nil {
		server.Close()
		conn.Close()
		return types.HijackedResponse{}, err
	}

	// The engine kills the exec when the client hangs up.
	go func() {
		_, _ = server.Read(make([]byte, 1))
		_ = cmd.Process.Kill()
	}()
	go func() {
		err := cmd.Wait()
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		finish(exitCode)
	}()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return types.ContainerExecInspect{}, errdefs.NotFound(utils.MakeError("no such exec: %s", execID))
	}
	return types.ContainerExecInspect{ExecID: execID, ContainerID: e.container, Running: !e.done, ExitCode: e.exitCode}, nil
}

func (f *fakeDocker) containerCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.containers)
}

func (f *fakeDocker) commands() [][]string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([][]string(nil), f.execCmds...)
}
