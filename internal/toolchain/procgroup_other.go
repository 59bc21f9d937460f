//go:build !unix

package toolchain

import "os/exec"

// killProcessGroup falls back to killing the direct child only
func killProcessGroup(cmd *exec.Cmd) {}
