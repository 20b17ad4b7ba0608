package daemon

import (
	"errors"
)

// Errors surfaced by the supervisor. Callers classify with errors.Is; none
// of these are retried automatically.
var (
	ErrBinaryNotFound = errors.New("daemon binary not found")
	ErrPortConflict   = errors.New("daemon port conflict")
	ErrStartTimeout   = errors.New("daemon start timeout")
	ErrDaemonExited   = errors.New("daemon exited during startup")
	ErrLockHeld       = errors.New("another supervisor owns this configuration directory")
)

// State is the supervisor's view of the daemon process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Handle is the supervisor's description of the daemon it manages. PID is
// zero when the supervisor is attached to a foreign instance it did not
// spawn.
type Handle struct {
	State      State  `json:"state"`
	PID        int    `json:"pid,omitempty"`
	APIBaseURL string `json:"apiBaseUrl"`
	LogPath    string `json:"logPath,omitempty"`
	ConfigPath string `json:"configPath,omitempty"`
}
