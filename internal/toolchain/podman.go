package toolchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containers/podman/v4/pkg/bindings"
	"github.com/containers/podman/v4/pkg/bindings/containers"
	"github.com/containers/podman/v4/pkg/bindings/images"
	"github.com/containers/podman/v4/pkg/specgen"
	spec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/marlinbuild/builder/internal/logging"
)

// PodmanRunner runs the build tool through the Podman API socket
type PodmanRunner struct {
	conn    context.Context
	image   string
	command string
	env     map[string]string
}

// NewPodmanRunner connects to the Podman socket
func NewPodmanRunner(socketPath, image, command string, env map[string]string) (*PodmanRunner, error) {
	connText := fmt.Sprintf("unix://%s", socketPath)
	conn, err := bindings.NewConnection(context.Background(), connText)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Podman: %w", err)
	}

	return &PodmanRunner{conn: conn, image: image, command: command, env: env}, nil
}

// Build creates a container with the job directory bind-mounted, streams its
// logs into output and waits for it to exit. The container is killed when
// ctx expires.
func (m *PodmanRunner) Build(ctx context.Context, job Job, output io.Writer) error {
	if err := m.ensureImage(); err != nil {
		return classify(ctx, err)
	}

	command := append([]string{m.command}, buildArgs(job.Env)...)
	fmt.Fprintf(output, "# %s\n$ %s (podman %s)\n", time.Now().UTC().Format(time.RFC3339), strings.Join(command, " "), m.image)

	s := &specgen.SpecGenerator{
		ContainerBasicConfig: specgen.ContainerBasicConfig{
			Command: command,
			Env:     m.env,
		},
		ContainerStorageConfig: specgen.ContainerStorageConfig{
			Image:   m.image,
			WorkDir: ContainerWorkDir,
			Mounts: []spec.Mount{{
				Source:      job.Dir,
				Destination: ContainerWorkDir,
				Type:        "bind",
				Options:     []string{"rbind"},
			}},
		},
	}

	created, err := containers.CreateWithSpec(m.conn, s, nil)
	if err != nil {
		return classify(ctx, fmt.Errorf("failed to create container: %w", err))
	}
	id := created.ID
	defer m.remove(id)

	if err := containers.Start(m.conn, id, nil); err != nil {
		return classify(ctx, fmt.Errorf("failed to start container: %w", err))
	}

	logsConn, cancelLogs := context.WithCancel(m.conn)
	defer cancelLogs()

	logsDone := make(chan error, 1)
	stdoutCh := make(chan string)
	stderrCh := make(chan string)
	go func() {
		logsDone <- containers.Logs(logsConn, id, new(containers.LogOptions).
			WithStdout(true).WithStderr(true).WithFollow(true), stdoutCh, stderrCh)
	}()

	waitDone := make(chan waitResult, 1)
	go func() {
		code, err := containers.Wait(m.conn, id, nil)
		waitDone <- waitResult{code: code, err: err}
	}()

	var result waitResult
	logsOpen, waiting := true, true
	for logsOpen || waiting {
		select {
		case line := <-stdoutCh:
			io.WriteString(output, line+"\n")
		case line := <-stderrCh:
			io.WriteString(output, line+"\n")
		case err := <-logsDone:
			logsOpen = false
			if err != nil {
				slog.Warn("Container log stream ended with error", slog.String("container", id), logging.Error(err))
			}
		case result = <-waitDone:
			waiting = false
		case <-ctx.Done():
			if err := containers.Kill(m.conn, id, nil); err != nil {
				slog.Warn("Failed to kill container", slog.String("container", id), logging.Error(err))
			}
			// The log goroutine blocks on unbuffered sends until it sees the cancel
			cancelLogs()
			if logsOpen {
				drainLogs(output, stdoutCh, stderrCh, logsDone)
			}
			return classify(ctx, ctx.Err())
		}
	}

	if result.err != nil {
		return classify(ctx, fmt.Errorf("container execution failed: %w", result.err))
	}
	if result.code != 0 {
		return classify(ctx, fmt.Errorf("container exited with code %d", result.code))
	}
	return nil
}

// drainLogs consumes log lines until the log stream has returned
func drainLogs(output io.Writer, stdoutCh, stderrCh <-chan string, logsDone <-chan error) {
	for {
		select {
		case line := <-stdoutCh:
			io.WriteString(output, line+"\n")
		case line := <-stderrCh:
			io.WriteString(output, line+"\n")
		case <-logsDone:
			return
		}
	}
}

type waitResult struct {
	code int32
	err  error
}

func (m *PodmanRunner) ensureImage() error {
	exists, err := images.Exists(m.conn, m.image, nil)
	if err != nil {
		return fmt.Errorf("failed to check image existence: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := images.Pull(m.conn, m.image, nil); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

func (m *PodmanRunner) remove(id string) {
	if _, err := containers.Remove(m.conn, id, new(containers.RemoveOptions).WithForce(true)); err != nil {
		slog.Warn("Failed to remove container", slog.String("container", id), logging.Error(err))
	}
}
