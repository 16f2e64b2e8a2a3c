package environment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/containerd/errdefs"
	"github.com/kballard/go-shellquote"
	"github.com/moby/moby/client"
)

// Docker executes commands inside an existing container via the Docker
// exec API. The container is created and started by the invoking harness;
// this environment only attaches to it.
type Docker struct {
	cli         *client.Client
	containerID string
}

// NewDocker connects to the Docker daemon from the process environment and
// binds to the given container.
func NewDocker(containerID string) (*Docker, error) {
	if containerID == "" {
		return nil, fmt.Errorf("container id is required")
	}
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{cli: cli, containerID: containerID}, nil
}

// Name identifies the environment kind.
func (d *Docker) Name() string {
	return "docker"
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ping checks connectivity to the Docker daemon and that the bound
// container still exists.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("pinging docker daemon: %w", err)
	}
	result, err := d.cli.ContainerInspect(ctx, d.containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s not found", d.containerID)
		}
		return fmt.Errorf("inspecting container: %w", err)
	}
	if !result.Container.State.Running {
		return fmt.Errorf("container %s is not running", d.containerID)
	}
	return nil
}

// UploadFile copies a host file into the container. The content travels
// base64-encoded through a shell exec so no archive plumbing is needed for
// the small credential files this is used for.
func (d *Docker) UploadFile(ctx context.Context, sourcePath, targetPath string) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	script := fmt.Sprintf("mkdir -p %s && printf %%s %s | base64 -d > %s",
		shellquote.Join(path.Dir(targetPath)),
		shellquote.Join(encoded),
		shellquote.Join(targetPath))

	result, err := d.exec(ctx, script, nil, "")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("upload to %s failed with exit code %d: %s", targetPath, result.ExitCode, result.Stdout)
	}
	return nil
}

// Run executes the command with `sh -c` inside the container. Timeout
// enforcement relies on the command's own `timeout` wrapper plus context
// cancellation of the attach stream.
func (d *Docker) Run(ctx context.Context, cmd ExecCommand) (ExecResult, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	result, err := d.exec(runCtx, cmd.Command, cmd.Env, cmd.Dir)
	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = ExitCodeTimeout
		result.TimedOut = true
		return result, nil
	}
	return result, err
}

func (d *Docker) exec(ctx context.Context, script string, env map[string]string, dir string) (ExecResult, error) {
	var envList []string
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := d.cli.ExecCreate(ctx, d.containerID, client.ExecCreateOptions{
		Cmd:          []string{"sh", "-c", script},
		Env:          envList,
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec: %w", err)
	}

	attached, err := d.cli.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attached.Close()

	output, err := io.ReadAll(attached.Reader)
	if err != nil && ctx.Err() == nil {
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}

	inspected, err := d.cli.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{Stdout: string(output)}, nil
		}
		return ExecResult{}, fmt.Errorf("inspecting exec: %w", err)
	}

	return ExecResult{
		ExitCode: inspected.ExitCode,
		Stdout:   string(output),
	}, nil
}
