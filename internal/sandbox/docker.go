package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/clawbox/internal/sandbox/stdstream"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Runtime with the Docker engine API.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects using the standard DOCKER_* environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (d *DockerRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("remove volume %s: %w", name, notFound(err))
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (d *DockerRuntime) configs(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        envList(spec.Env),
		Labels:     spec.Labels,
		WorkingDir: spec.WorkingDir,
		Tty:        false,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Tmpfs:       spec.Tmpfs,
	}
	for _, m := range spec.Mounts {
		typ := mount.TypeVolume
		if m.Type == MountBind {
			typ = mount.TypeBind
		}
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return cfg, host
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, host := d.configs(spec)
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", notFound(err))
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container: %w", notFound(err))
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", notFound(err))
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, idOrName string) (ContainerState, error) {
	info, err := d.client.ContainerInspect(ctx, idOrName)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect container: %w", notFound(err))
	}
	st := ContainerState{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/"), State: StateStopped}
	if info.State != nil {
		if info.State.Running {
			st.State = StateRunning
		}
		st.ExitCode = info.State.ExitCode
		st.Error = info.State.Error
		st.OOMKilled = info.State.OOMKilled
		st.StartedAt = parseDockerTime(info.State.StartedAt)
		st.FinishedAt = parseDockerTime(info.State.FinishedAt)
	}
	return st, nil
}

func parseDockerTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

// Logs returns the last tail lines of combined output.
func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	out, err := d.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", notFound(err))
	}
	defer out.Close()

	demux := stdstream.New()
	if _, err := io.Copy(demux, out); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	demux.Flush()
	return demux.Combined(), nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (RunResult, error) {
	id, err := d.Create(ctx, spec)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := d.Start(ctx, id); err != nil {
		return RunResult{}, err
	}

	result := RunResult{ExitCode: -1}
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return result, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return result, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return result, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	if err := readRunOutput(out, &result); err != nil {
		return result, err
	}
	return result, nil
}

// readRunOutput splits a multiplexed log stream into result. Whatever was
// read before a failure is kept.
func readRunOutput(r io.Reader, result *RunResult) error {
	var stdoutBuf, stderrBuf bytes.Buffer
	_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, r)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if err != nil {
		return fmt.Errorf("read helper output (exit %d): %w", result.ExitCode, err)
	}
	return nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := d.client.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}
