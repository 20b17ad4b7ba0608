//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"strings"
)

// Windows has no SIGTERM delivery for unrelated console processes; Kill is
// the graceful path.
var gracefulSignal os.Signal = os.Kill

func terminateByName() error {
	out, err := exec.Command("taskkill", "/IM", binaryName+".exe", "/F").CombinedOutput()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(string(out)), "not found") {
		return nil
	}
	return err
}
