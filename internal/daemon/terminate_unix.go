//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

var gracefulSignal os.Signal = syscall.SIGTERM

// terminateByName kills daemon processes by name match. Used when the
// supervisor has no owned child, e.g. after attaching to a foreign instance.
// pkill exits 1 when nothing matched, which is the desired end state.
func terminateByName() error {
	err := exec.Command("pkill", "-f", binaryName+" daemon").Run()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return nil
	}
	return err
}
