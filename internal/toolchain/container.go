package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marlinbuild/builder/internal/logging"
)

// ContainerWorkDir is where the source tree is mounted inside the container
const ContainerWorkDir = "/build"

// ContainerRunner runs the build tool through the podman or docker CLI
type ContainerRunner struct {
	runtime string // "podman" or "docker"
	image   string
	command string
	env     map[string]string
}

// NewContainerRunner creates a runner using the given CLI runtime and image
func NewContainerRunner(runtime, image, command string, env map[string]string) *ContainerRunner {
	return &ContainerRunner{
		runtime: runtime,
		image:   image,
		command: command,
		env:     env,
	}
}

// ContainerRunOptions holds options for running a container
type ContainerRunOptions struct {
	Image       string
	Name        string
	Mounts      []Mount
	Environment map[string]string
	WorkDir     string
	Command     []string
	Remove      bool // Remove container after exit
}

// Mount represents a volume mount
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Build mounts the job directory and runs the build tool inside the image
func (r *ContainerRunner) Build(ctx context.Context, job Job, output io.Writer) error {
	exists, err := r.ImageExists(ctx, r.image)
	if err != nil {
		return classify(ctx, err)
	}
	if !exists {
		if err := r.PullImage(ctx, r.image); err != nil {
			return classify(ctx, err)
		}
	}

	opts := ContainerRunOptions{
		Image:       r.image,
		Name:        "marlinbuild-" + uuid.New().String(),
		Remove:      true,
		Mounts:      []Mount{{Source: job.Dir, Target: ContainerWorkDir}},
		Environment: r.env,
		WorkDir:     ContainerWorkDir,
		Command:     append([]string{r.command}, buildArgs(job.Env)...),
	}

	fmt.Fprintf(output, "# %s\n$ %s %s\n", time.Now().UTC().Format(time.RFC3339), r.runtime, strings.Join(runArgs(opts), " "))

	err = r.RunCommandInContainer(ctx, opts, output, output)
	if ctx.Err() != nil {
		// Killing the CLI client leaves the container running
		r.removeAfterCancel(opts.Name)
	}
	return classify(ctx, err)
}

func (r *ContainerRunner) removeAfterCancel(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.RemoveContainer(ctx, name); err != nil {
		slog.Warn("Failed to remove container", slog.String("container", name), logging.Error(err))
	}
}

// runArgs builds the `run` argument list for opts
func runArgs(opts ContainerRunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	// Add mounts
	for _, mount := range opts.Mounts {
		mountStr := fmt.Sprintf("%s:%s", mount.Source, mount.Target)
		if mount.ReadOnly {
			mountStr += ":ro"
		}
		args = append(args, "-v", mountStr)
	}

	// Add environment variables
	keys := make([]string, 0, len(opts.Environment))
	for key := range opts.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, opts.Environment[key]))
	}

	// Set working directory
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	// Add image
	args = append(args, opts.Image)

	// Add command
	if len(opts.Command) > 0 {
		args = append(args, opts.Command...)
	}

	return args
}

// PullImage pulls a container image
func (r *ContainerRunner) PullImage(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, r.runtime, "pull", image)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// RemoveContainer removes a container
func (r *ContainerRunner) RemoveContainer(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, r.runtime, "rm", "-f", containerName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally
func (r *ContainerRunner) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.runtime, "image", "inspect", image)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// Exit code 1 means image doesn't exist
			return false, nil
		}
		return false, fmt.Errorf("failed to check image existence: %w", err)
	}
	return true, nil
}

// RunCommandInContainer runs a command in a one-off container and streams output
func (r *ContainerRunner) RunCommandInContainer(ctx context.Context, opts ContainerRunOptions, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, r.runtime, runArgs(opts)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	killProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to run container command: %w", err)
	}

	return nil
}
