package toolchain

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// NativeRunner runs the build tool directly on the host
type NativeRunner struct {
	command string
	env     map[string]string
}

// NewNativeRunner creates a runner for the given executable
func NewNativeRunner(command string, env map[string]string) *NativeRunner {
	return &NativeRunner{command: command, env: env}
}

// Build runs `<command> run -e <env>` inside the job directory
func (r *NativeRunner) Build(ctx context.Context, job Job, output io.Writer) error {
	args := buildArgs(job.Env)
	fmt.Fprintf(output, "# %s\n$ %s %s\n", time.Now().UTC().Format(time.RFC3339), r.command, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = job.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = 2 * time.Second
	killProcessGroup(cmd)

	if len(r.env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range r.env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	return classify(ctx, cmd.Run())
}
