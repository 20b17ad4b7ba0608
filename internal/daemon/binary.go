package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const binaryName = "mcpd"

// ResolveBinary locates the daemon executable. The chain is: explicit
// configured path, bundled resource next to this executable, well-known
// system install locations, then a bare-name PATH lookup.
func ResolveBinary(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: configured path %s: %v", ErrBinaryNotFound, explicit, err)
		}
		return explicit, nil
	}

	for _, candidate := range binaryCandidates() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(binaryName); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %q not bundled, not installed, and not on PATH", ErrBinaryNotFound, binaryName)
}

func binaryCandidates() []string {
	name := binaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	var candidates []string

	// Bundled resource for the current OS/architecture, next to this binary.
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, "resources", fmt.Sprintf("%s-%s-%s", binaryName, runtime.GOOS, runtime.GOARCH), name),
			filepath.Join(dir, name),
		)
	}

	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		candidates = append(candidates,
			filepath.Join(os.Getenv("ProgramFiles"), "mcpd", name),
			filepath.Join(home, ".local", "bin", name),
		)
	} else {
		candidates = append(candidates,
			"/usr/local/bin/"+name,
			"/opt/homebrew/bin/"+name,
			filepath.Join(home, ".local", "bin", name),
		)
	}
	return candidates
}
