package daemon

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/internal/config"
	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

var addrInUseRe = regexp.MustCompile(`(?i)address already in use|EADDRINUSE|bind: permission denied`)

// Supervisor owns the lifecycle of the daemon OS process: locating its
// binary, spawning it, resolving the startup race into exactly one outcome,
// and stopping owned or foreign instances. One supervisor exists per host
// configuration directory; a file lock enforces that across processes.
type Supervisor struct {
	backend *client.Client
	spawner Spawner
	bus     *events.EventBus
	log     *logrus.Entry

	binary     string
	apiBaseURL string
	apiKey     string
	logPath    string
	configPath string

	startupTimeout time.Duration
	startupDelay   time.Duration
	probeWindow    time.Duration
	probeInterval  time.Duration
	healthTimeout  time.Duration
	stopGrace      time.Duration
	restartGrace   time.Duration

	fileLock *flock.Flock
	logFile  *os.File

	// startMu serializes Start/Stop/Restart. A second concurrent Start
	// waits here, then hits the idempotent health short-circuit instead of
	// racing a second spawn.
	startMu sync.Mutex

	mu       sync.Mutex
	state    State
	proc     Process
	pid      int
	procDone chan struct{}
	waitErr  error
}

// Options tune the supervisor. The zero value gives production defaults;
// tests shrink the timing knobs and substitute a fake spawner.
type Options struct {
	Spawner Spawner
	LockDir string // defaults to the config directory
	// SkipLock disables the configuration-directory lock for read-only use
	// (status probes).
	SkipLock       bool
	StartupDelay   time.Duration
	ProbeWindow    time.Duration
	ProbeInterval  time.Duration
	HealthTimeout  time.Duration
	StopGrace      time.Duration
	RestartGrace   time.Duration
	StartupTimeout time.Duration
}

// New creates a supervisor for the daemon described by cfg and acquires the
// per-configuration-directory lock.
func New(cfg *config.Config, backend *client.Client, bus *events.EventBus, opts Options) (*Supervisor, error) {
	lockDir := opts.LockDir
	if lockDir == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		lockDir = dir
	}

	configPath, _ := config.Path()

	s := &Supervisor{
		backend:        backend,
		spawner:        opts.Spawner,
		bus:            bus,
		log:            logrus.WithField("component", "supervisor"),
		binary:         cfg.Daemon.Binary,
		apiBaseURL:     cfg.Daemon.URL,
		apiKey:         cfg.Daemon.APIKey,
		logPath:        cfg.Daemon.LogPath,
		configPath:     configPath,
		startupTimeout: cfg.StartupTimeoutDuration(),
		startupDelay:   3 * time.Second,
		probeWindow:    2 * time.Second,
		probeInterval:  250 * time.Millisecond,
		healthTimeout:  2 * time.Second,
		stopGrace:      10 * time.Second,
		restartGrace:   2 * time.Second,
		state:          StateStopped,
	}
	if s.spawner == nil {
		s.spawner = ExecSpawner{}
	}
	if s.logPath == "" {
		s.logPath = filepath.Join(lockDir, "daemon.log")
	}
	if opts.StartupDelay > 0 {
		s.startupDelay = opts.StartupDelay
	}
	if opts.ProbeWindow > 0 {
		s.probeWindow = opts.ProbeWindow
	}
	if opts.ProbeInterval > 0 {
		s.probeInterval = opts.ProbeInterval
	}
	if opts.HealthTimeout > 0 {
		s.healthTimeout = opts.HealthTimeout
	}
	if opts.StopGrace > 0 {
		s.stopGrace = opts.StopGrace
	}
	if opts.RestartGrace > 0 {
		s.restartGrace = opts.RestartGrace
	}
	if opts.StartupTimeout > 0 {
		s.startupTimeout = opts.StartupTimeout
	}

	if !opts.SkipLock {
		s.fileLock = flock.New(filepath.Join(lockDir, "supervisor.lock"))
		locked, err := s.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire supervisor lock: %w", err)
		}
		if !locked {
			return nil, ErrLockHeld
		}
	}

	return s, nil
}

// Close releases the supervisor lock and the daemon log file. It does not
// stop the daemon.
func (s *Supervisor) Close() error {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	if s.fileLock == nil {
		return nil
	}
	return s.fileLock.Unlock()
}

// Start brings the daemon up and returns its handle. If a healthy daemon is
// already listening on the configured URL, that instance's handle is
// returned without spawning. Exactly one of four startup signals settles the
// attempt: a port-conflict stderr line, a premature process exit, the
// delayed health probe, or the absolute timeout.
func (s *Supervisor) Start(ctx context.Context) (Handle, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) (Handle, error) {
	// Idempotent short-circuit.
	if s.probe(ctx) == nil {
		s.mu.Lock()
		s.state = StateRunning
		h := s.handleLocked()
		s.mu.Unlock()
		return h, nil
	}

	binary, err := ResolveBinary(s.binary)
	if err != nil {
		s.setState(StateFailed)
		return Handle{}, err
	}

	s.setState(StateStarting)
	s.publish(events.DaemonStarting, map[string]interface{}{"binary": binary})

	// Snapshot for the race arms; Reconfigure may rewrite these later.
	s.mu.Lock()
	apiBaseURL, logPath, configPath := s.apiBaseURL, s.logPath, s.configPath
	s.mu.Unlock()

	stderrTail := newTailBuffer(4096)
	conflictCh := make(chan struct{}, 1)
	var conflictSeen atomic.Bool
	scanner := newLineWriter(func(line string) {
		stderrTail.WriteLine(line)
		if addrInUseRe.MatchString(line) && conflictSeen.CompareAndSwap(false, true) {
			conflictCh <- struct{}{}
		}
	})

	logWriter := s.openLog()
	proc, err := s.spawner.Spawn(binary, s.daemonArgs(), spawnEnv(), logWriter, io.MultiWriter(logWriter, scanner))
	if err != nil {
		s.setState(StateFailed)
		return Handle{}, fmt.Errorf("spawn daemon: %w", err)
	}

	procDone := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = proc.Wait()
		// A crashing daemon may leave its last line unterminated; deliver
		// it before the exit arm inspects the conflict flag.
		scanner.Flush()
		close(procDone)
	}()

	type outcome struct {
		handle Handle
		err    error
	}
	settled := make(chan outcome, 1)
	var once sync.Once
	settle := func(h Handle, err error) {
		once.Do(func() { settled <- outcome{handle: h, err: err} })
	}

	raceCtx, cancelRace := context.WithCancel(context.Background())
	defer cancelRace()

	// Signal 1: stderr reports the port is taken. Kill our spawn, then check
	// whether the occupant is a healthy daemon we can adopt.
	go func() {
		select {
		case <-conflictCh:
			_ = proc.Kill()
			if s.pollHealth(raceCtx, s.probeWindow) {
				s.log.Info("Adopted existing daemon after port conflict")
				settle(Handle{State: StateRunning, APIBaseURL: apiBaseURL, LogPath: logPath, ConfigPath: configPath}, nil)
			} else {
				settle(Handle{}, fmt.Errorf("%w: %s", ErrPortConflict, stderrTail.String()))
			}
		case <-raceCtx.Done():
		}
	}()

	// Signal 2: the process exited before becoming healthy.
	go func() {
		select {
		case <-procDone:
			if conflictSeen.Load() {
				// The conflict arm killed it and owns the settlement.
				return
			}
			settle(Handle{}, fmt.Errorf("%w: %s: stderr: %s", ErrDaemonExited, exitReason(waitErr), stderrTail.String()))
		case <-raceCtx.Done():
		}
	}()

	// Signal 3: delayed health probe. The delay gives the daemon time to
	// bring its own tool servers up before we poll.
	go func() {
		select {
		case <-time.After(s.startupDelay):
		case <-raceCtx.Done():
			return
		}
		if s.pollHealth(raceCtx, s.probeWindow) {
			settle(Handle{State: StateRunning, PID: proc.PID(), APIBaseURL: apiBaseURL, LogPath: logPath, ConfigPath: configPath}, nil)
			return
		}
		if stderrTail.Len() == 0 {
			settle(Handle{}, fmt.Errorf("%w: no health after %s", ErrStartTimeout, s.startupDelay+s.probeWindow))
		}
		// stderr output is pending; let the exit or timeout arm decide.
	}()

	// Signal 4: absolute wall-clock timeout.
	go func() {
		select {
		case <-time.After(s.startupTimeout):
			settle(Handle{}, fmt.Errorf("%w: after %s", ErrStartTimeout, s.startupTimeout))
		case <-raceCtx.Done():
		}
	}()

	var out outcome
	select {
	case out = <-settled:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	cancelRace()

	if out.err != nil {
		_ = proc.Kill()
		s.mu.Lock()
		s.state = StateFailed
		s.proc = nil
		s.pid = 0
		s.mu.Unlock()
		s.publish(events.DaemonFailed, map[string]interface{}{"error": out.err.Error()})
		return Handle{}, out.err
	}

	s.mu.Lock()
	s.state = StateRunning
	if out.handle.PID != 0 {
		// We own the spawned process.
		s.proc = proc
		s.pid = out.handle.PID
		s.procDone = procDone
	} else {
		// Attached to a foreign instance; our spawn is already dead.
		s.proc = nil
		s.pid = 0
		s.procDone = nil
	}
	s.mu.Unlock()

	s.publish(events.DaemonStarted, map[string]interface{}{"pid": out.handle.PID, "url": s.apiBaseURL})
	return out.handle, nil
}

// Stop terminates the daemon. With an owned child it signals gracefully and
// awaits the exit; without one it falls back to name-based termination,
// where "nothing matched" already is the desired end state and counts as
// success.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	procDone := s.procDone
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(gracefulSignal); err != nil {
			// Already gone is fine; anything else still gets the kill below.
			s.log.WithError(err).Debug("Graceful signal failed")
		}
		select {
		case <-procDone:
		case <-time.After(s.stopGrace):
			_ = proc.Kill()
			select {
			case <-procDone:
			case <-time.After(2 * time.Second):
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		if err := terminateByName(); err != nil {
			return fmt.Errorf("terminate daemon by name: %w", err)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.proc = nil
	s.pid = 0
	s.procDone = nil
	s.mu.Unlock()

	s.publish(events.DaemonStopped, nil)
	return nil
}

// Restart stops the daemon, waits a fixed grace interval for the port to be
// released, and starts it again. The config watcher calls this after a
// configuration mutation.
func (s *Supervisor) Restart(ctx context.Context) (Handle, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		return Handle{}, err
	}

	select {
	case <-time.After(s.restartGrace):
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}

	return s.startLocked(ctx)
}

// Status reports the daemon's current state via a health probe. It never
// mutates the owned process.
func (s *Supervisor) Status(ctx context.Context) Handle {
	s.mu.Lock()
	h := s.handleLocked()
	s.mu.Unlock()

	if s.probe(ctx) == nil {
		h.State = StateRunning
		return h
	}

	switch h.State {
	case StateStarting, StateFailed:
		// Keep the supervisor's own view.
	default:
		h.State = StateStopped
		h.PID = 0
	}
	return h
}

// Reconfigure points the supervisor at a new daemon configuration and
// rebinds the health probe to the new API base URL. It serializes with any
// in-flight Start/Stop/Restart. The caller is expected to Restart
// afterwards.
func (s *Supervisor) Reconfigure(cfg *config.Config) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	s.binary = cfg.Daemon.Binary
	s.apiBaseURL = cfg.Daemon.URL
	s.apiKey = cfg.Daemon.APIKey
	s.startupTimeout = cfg.StartupTimeoutDuration()
	s.backend = client.New(cfg.Daemon.URL, cfg.Daemon.APIKey)
	s.mu.Unlock()
}

func (s *Supervisor) handleLocked() Handle {
	return Handle{
		State:      s.state,
		PID:        s.pid,
		APIBaseURL: s.apiBaseURL,
		LogPath:    s.logPath,
		ConfigPath: s.configPath,
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) probe(ctx context.Context) error {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	return backend.Health(probeCtx)
}

func (s *Supervisor) pollHealth(ctx context.Context, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if s.probe(ctx) == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(s.probeInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Supervisor) daemonArgs() []string {
	args := []string{"daemon"}
	if addr := hostPort(s.apiBaseURL); addr != "" {
		args = append(args, "--addr", addr)
	}
	return args
}

func (s *Supervisor) openLog() io.Writer {
	if s.logFile != nil {
		return s.logFile
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.log.WithError(err).Warn("Cannot open daemon log file")
		return io.Discard
	}
	s.logFile = f
	return f
}

func (s *Supervisor) publish(eventType events.EventType, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, Data: data})
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func exitReason(waitErr error) string {
	if waitErr == nil {
		return "exit code 0"
	}
	return waitErr.Error()
}
