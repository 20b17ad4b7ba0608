package daemon

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Process abstracts a spawned daemon process so that supervisor tests can
// substitute a fake.
type Process interface {
	PID() int
	// Wait blocks until the process exits. It returns the exit error from
	// the OS, nil on a clean exit.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts the daemon process. stderr receives the process's stderr
// stream line by line; stdout goes to the daemon log.
type Spawner interface {
	Spawn(binary string, args []string, env []string, stdout, stderr io.Writer) (Process, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(binary string, args []string, env []string, stdout, stderr io.Writer) (Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// spawnEnv returns the inherited environment with the union of the inherited
// search path and common tool-install locations. The daemon shells out to
// find npx/uvx, and GUI-launched parents often carry a minimal PATH.
func spawnEnv() []string {
	extra := extraPathDirs()

	env := os.Environ()
	sep := string(os.PathListSeparator)
	found := false
	for i, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") && !strings.HasPrefix(kv, "Path=") {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		for _, dir := range extra {
			if !containsPathDir(value, dir) {
				value += sep + dir
			}
		}
		env[i] = key + "=" + value
		found = true
		break
	}
	if !found {
		env = append(env, "PATH="+strings.Join(extra, sep))
	}
	return env
}

func extraPathDirs() []string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		return []string{
			filepath.Join(os.Getenv("APPDATA"), "npm"),
			filepath.Join(home, ".local", "bin"),
		}
	}
	dirs := []string{
		"/usr/local/bin",
		"/opt/homebrew/bin",
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".cargo", "bin"),
	}
	return dirs
}

func containsPathDir(pathValue, dir string) bool {
	for _, p := range filepath.SplitList(pathValue) {
		if p == dir {
			return true
		}
	}
	return false
}
