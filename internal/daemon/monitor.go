package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

// HealthMonitor periodically probes the daemon API and publishes
// daemon.unhealthy after consecutive failures. It only observes; it never
// restarts anything.
type HealthMonitor struct {
	supervisor *Supervisor
	bus        *events.EventBus
	interval   time.Duration
	threshold  int
	log        *logrus.Entry

	mu        sync.Mutex
	failures  int
	unhealthy bool
	cancel    context.CancelFunc
}

// NewHealthMonitor creates a monitor with the given probe interval. Three
// consecutive failures mark the daemon unhealthy.
func NewHealthMonitor(supervisor *Supervisor, bus *events.EventBus, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthMonitor{
		supervisor: supervisor,
		bus:        bus,
		interval:   interval,
		threshold:  3,
		log:        logrus.WithField("component", "health-monitor"),
	}
}

// Start launches the probe loop.
func (m *HealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts the probe loop.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

func (m *HealthMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *HealthMonitor) check(ctx context.Context) {
	err := m.supervisor.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		if m.unhealthy {
			m.log.Info("Daemon recovered")
		}
		m.failures = 0
		m.unhealthy = false
		return
	}

	m.failures++
	if m.failures >= m.threshold && !m.unhealthy {
		m.unhealthy = true
		m.log.WithError(err).Warn("Daemon unhealthy")
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type: events.DaemonUnhealthy,
				Data: map[string]interface{}{"failures": m.failures, "error": err.Error()},
			})
		}
	}
}
