package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mendhq/mend/fault"
)

// DockerRunner runs commands in throwaway Docker containers.
type DockerRunner struct {
	client client.APIClient
	cfg    Config
	logger *slog.Logger
}

// NewDockerRunner connects to the Docker daemon and verifies it responds.
func NewDockerRunner(cfg Config, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}

	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &DockerRunner{client: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the Docker client.
func (d *DockerRunner) Close() error { return d.client.Close() }

// Run executes command in a fresh container and always removes it. An
// empty command is rejected: `sh -c ""` exits 0 and would read as a
// passing test run.
func (d *DockerRunner) Run(ctx context.Context, workspacePath, command string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fault.New(fault.InvalidInput, "sandbox: test command is empty")
	}
	if err := d.ensureImage(ctx, d.cfg.Image); err != nil {
		return nil, fault.Wrap(fault.SandboxFailed, "pull sandbox image", err)
	}

	containerCfg := &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspacePath,
			Target: "/workspace",
		}},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
	}
	if d.cfg.MemoryLimitBytes > 0 {
		hostCfg.Memory = d.cfg.MemoryLimitBytes
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fault.Wrap(fault.SandboxFailed, "create sandbox container", err)
	}
	defer d.remove(resp.ID)

	start := time.Now()
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fault.Wrap(fault.SandboxFailed, "start sandbox container", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	exitCode, timedOut, err := d.wait(runCtx, resp.ID)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := d.logs(ctx, resp.ID)
	if err != nil {
		return nil, fault.Wrap(fault.SandboxFailed, "read sandbox output", err)
	}

	result := &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	d.logger.Debug("sandbox run finished",
		"exit_code", result.ExitCode, "timed_out", result.TimedOut,
		"duration", result.Duration)
	return result, nil
}

// wait blocks until the container exits or the context expires. On timeout
// the container is killed and the run is reported as timed out rather than
// failed.
func (d *DockerRunner) wait(ctx context.Context, containerID string) (exitCode int, timedOut bool, err error) {
	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		return int(status.StatusCode), false, nil
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.kill(containerID)
			return -1, true, nil
		}
		return 0, false, fault.Wrap(fault.SandboxFailed, "wait for sandbox", err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.kill(containerID)
			return -1, true, nil
		}
		return 0, false, fault.Classify(ctx.Err())
	}
}

func (d *DockerRunner) logs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

func (d *DockerRunner) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerKill(ctx, containerID, "KILL")
}

// remove force-removes the container on a background context so cleanup
// survives a cancelled run.
func (d *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("sandbox container remove failed", "container_id", containerID, "error", err)
	}
}

func (d *DockerRunner) ensureImage(ctx context.Context, img string) error {
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
