package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/internal/config"
	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

type fakeProcess struct {
	pid    int
	exit   chan error
	once   sync.Once
	killed atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.exitWith(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exitWith(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exitWith(err error) {
	p.once.Do(func() { p.exit <- err })
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawns  int
	procs   []*fakeProcess
	onSpawn func(proc *fakeProcess, stderr io.Writer)
}

func (s *fakeSpawner) Spawn(binary string, args []string, env []string, stdout, stderr io.Writer) (Process, error) {
	s.mu.Lock()
	s.spawns++
	proc := newFakeProcess(1000 + s.spawns)
	s.procs = append(s.procs, proc)
	onSpawn := s.onSpawn
	s.mu.Unlock()

	if onSpawn != nil {
		go onSpawn(proc, stderr)
	}
	return proc, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// healthSwitch is a daemon API stub whose /health flips on demand.
type healthSwitch struct {
	healthy atomic.Bool
	server  *httptest.Server
}

func newHealthSwitch(t *testing.T) *healthSwitch {
	t.Helper()
	hs := &healthSwitch{}
	hs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && hs.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(hs.server.Close)
	return hs
}

func newTestSupervisor(t *testing.T, daemonURL string, spawner Spawner) *Supervisor {
	t.Helper()

	cfg := config.Default()
	cfg.Daemon.URL = daemonURL
	cfg.Daemon.Binary = os.Args[0] // any existing executable satisfies resolution
	cfg.Daemon.LogPath = t.TempDir() + "/daemon.log"

	s, err := New(cfg, client.New(daemonURL, ""), events.NewEventBus(), Options{
		Spawner:        spawner,
		LockDir:        t.TempDir(),
		StartupDelay:   50 * time.Millisecond,
		ProbeWindow:    400 * time.Millisecond,
		ProbeInterval:  20 * time.Millisecond,
		HealthTimeout:  200 * time.Millisecond,
		StopGrace:      500 * time.Millisecond,
		RestartGrace:   10 * time.Millisecond,
		StartupTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartShortCircuitsWhenAlreadyHealthy(t *testing.T) {
	hs := newHealthSwitch(t)
	hs.healthy.Store(true)
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, handle.State)
	assert.Equal(t, 0, spawner.spawnCount(), "no process may be spawned")
}

func TestStartSucceedsWhenDaemonBecomesHealthy(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			time.Sleep(100 * time.Millisecond)
			hs.healthy.Store(true)
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, handle.State)
	assert.NotZero(t, handle.PID)
	assert.Equal(t, 1, spawner.spawnCount())
}

func TestConcurrentStartSpawnsAtMostOnce(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			time.Sleep(100 * time.Millisecond)
			hs.healthy.Store(true)
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Start(context.Background())
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, spawner.spawnCount(), "second start must short-circuit, not spawn")
}

func TestStartRejectsOnNonzeroExit(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			stderr.Write([]byte("fatal: bad config\n"))
			proc.exitWith(errors.New("exit status 2"))
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrDaemonExited)
	assert.Contains(t, err.Error(), "bad config")
	assert.Equal(t, StateFailed, s.Status(context.Background()).State)
}

func TestPortConflictAdoptsHealthyForeignDaemon(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			// The occupant of the port is a healthy daemon.
			hs.healthy.Store(true)
			stderr.Write([]byte("listen tcp :8090: bind: address already in use\n"))
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, handle.State)
	assert.Zero(t, handle.PID, "adopted foreign daemon is not owned")
	assert.True(t, spawner.procs[0].killed.Load(), "our own spawn must be killed")
}

func TestPortConflictRejectsWhenOccupantUnhealthy(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			stderr.Write([]byte("Error: listen EADDRINUSE: address already in use\n"))
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrPortConflict)
}

func TestPortConflictWithoutTrailingNewline(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			// No trailing newline: the conflict line only surfaces when the
			// exiting process's stderr is flushed.
			stderr.Write([]byte("Error: listen EADDRINUSE: address already in use"))
			proc.exitWith(errors.New("exit status 1"))
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrPortConflict)
}

func TestNonzeroExitCapturesUnterminatedStderr(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			stderr.Write([]byte("fatal: unterminated last line"))
			proc.exitWith(errors.New("exit status 2"))
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrDaemonExited)
	assert.Contains(t, err.Error(), "unterminated last line")
}

func TestStartTimesOutWithSilentDaemon(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{} // process lingers, says nothing, never healthy
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartTimeout)
}

func TestStopOwnedProcess(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{
		onSpawn: func(proc *fakeProcess, stderr io.Writer) {
			hs.healthy.Store(false)
			time.Sleep(60 * time.Millisecond)
			hs.healthy.Store(true)
		},
	}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	hs.healthy.Store(false)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.Status(context.Background()).State)
}

func TestStopWithoutOwnedProcess(t *testing.T) {
	hs := newHealthSwitch(t)
	s := newTestSupervisor(t, hs.server.URL, &fakeSpawner{})

	// Nothing owned, nothing matching by name: already the desired end
	// state, so this succeeds.
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStatusDoesNotSpawn(t *testing.T) {
	hs := newHealthSwitch(t)
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	handle := s.Status(context.Background())
	assert.Equal(t, StateStopped, handle.State)
	assert.Equal(t, 0, spawner.spawnCount())

	hs.healthy.Store(true)
	handle = s.Status(context.Background())
	assert.Equal(t, StateRunning, handle.State)
	assert.Equal(t, 0, spawner.spawnCount())
}

func TestRestart(t *testing.T) {
	hs := newHealthSwitch(t)
	hs.healthy.Store(true)
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, hs.server.URL, spawner)

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	// The daemon stays reachable across the restart (foreign instance), so
	// the second start short-circuits too.
	handle, err := s.Restart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, handle.State)
}

func TestStatusAfterReconfigureProbesNewURL(t *testing.T) {
	hs := newHealthSwitch(t)
	hs.healthy.Store(true)

	cfg := config.Default()
	cfg.Daemon.URL = "http://127.0.0.1:1" // nothing listens here
	cfg.Daemon.LogPath = t.TempDir() + "/daemon.log"

	s, err := New(cfg, client.New(cfg.Daemon.URL, ""), nil, Options{
		LockDir:       t.TempDir(),
		HealthTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, StateStopped, s.Status(context.Background()).State)

	updated := config.Default()
	updated.Daemon.URL = hs.server.URL
	s.Reconfigure(updated)

	// The probe must follow the handle to the new URL.
	handle := s.Status(context.Background())
	assert.Equal(t, StateRunning, handle.State)
	assert.Equal(t, hs.server.URL, handle.APIBaseURL)
}

func TestLockExcludesSecondSupervisor(t *testing.T) {
	hs := newHealthSwitch(t)
	lockDir := t.TempDir()

	cfg := config.Default()
	cfg.Daemon.URL = hs.server.URL
	cfg.Daemon.LogPath = t.TempDir() + "/daemon.log"

	first, err := New(cfg, client.New(hs.server.URL, ""), nil, Options{LockDir: lockDir})
	require.NoError(t, err)
	defer first.Close()

	_, err = New(cfg, client.New(hs.server.URL, ""), nil, Options{LockDir: lockDir})
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestResolveBinaryNotFound(t *testing.T) {
	_, err := ResolveBinary("/nonexistent/path/mcpd")
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestResolveBinaryExplicit(t *testing.T) {
	path, err := ResolveBinary(os.Args[0])
	require.NoError(t, err)
	assert.Equal(t, os.Args[0], path)
}
