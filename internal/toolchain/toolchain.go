// Package toolchain invokes the firmware build tool against a prepared
// source tree, natively or inside a container.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// ErrToolchainFailure reports a build tool run that exited non-zero
var ErrToolchainFailure = errors.New("toolchain failure")

// ErrToolchainTimeout reports a build tool run killed at its deadline
var ErrToolchainTimeout = errors.New("toolchain timeout")

// Job is one build tool invocation
type Job struct {
	// Dir is the extracted source tree (the project root)
	Dir string
	// Env is the build environment name, e.g. megaatmega2560
	Env string
}

// Runner runs a job, writing combined stdout/stderr to output
type Runner interface {
	Build(ctx context.Context, job Job, output io.Writer) error
}

// Layout locates the artifact a successful job produces
type Layout struct {
	EnvOutputDir string
	ArtifactName string
}

// ArtifactPath returns <dir>/<envOutputDir>/<env>/<artifact>
func (l Layout) ArtifactPath(job Job) string {
	return filepath.Join(job.Dir, l.EnvOutputDir, job.Env, l.ArtifactName)
}

// classify maps a process error onto the toolchain error kinds
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrToolchainTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrToolchainFailure, err)
}

// buildArgs is the platformio invocation shared by every runtime
func buildArgs(env string) []string {
	return []string{"run", "-e", env}
}

// Options selects and configures a runner
type Options struct {
	Runtime    string // native, podman, docker or podman-socket
	Command    string
	Image      string
	SocketPath string
	Env        map[string]string
}

// NewRunner creates the runner for the configured runtime
func NewRunner(opts Options) (Runner, error) {
	switch opts.Runtime {
	case "", "native":
		return NewNativeRunner(opts.Command, opts.Env), nil
	case "podman", "docker":
		return NewContainerRunner(opts.Runtime, opts.Image, opts.Command, opts.Env), nil
	case "podman-socket":
		return NewPodmanRunner(opts.SocketPath, opts.Image, opts.Command, opts.Env)
	default:
		return nil, fmt.Errorf("unknown toolchain runtime %q", opts.Runtime)
	}
}
