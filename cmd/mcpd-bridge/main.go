package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/mcpd-bridge/internal/bridge"
	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/internal/config"
	"github.com/standardbeagle/mcpd-bridge/internal/daemon"
	"github.com/standardbeagle/mcpd-bridge/internal/gateway"
	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

var (
	// Version is set at build time
	Version = "dev"

	targetServer string
	noNamespace  bool
	debugMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpd-bridge",
	Short: "MCP bridge and supervisor for the mcpd daemon",
	Long: `mcpd-bridge presents the mcpd daemon's tool servers to MCP clients.

Run without a subcommand it speaks MCP over stdin/stdout, aggregating every
configured server behind namespaced tool names (server__tool). With
--server it exposes exactly one server, optionally without namespacing.

Environment:
  MCPD_URL       daemon API base URL (default http://localhost:8090)
  MCPD_API_KEY   daemon API key

Examples:
  mcpd-bridge                       # unified bridge, all servers namespaced
  mcpd-bridge -s filesystem         # bridge one server
  mcpd-bridge -s filesystem --no-namespace
  mcpd-bridge gateway               # HTTP/WebSocket gateway
  mcpd-bridge daemon start          # supervise the daemon`,
	RunE: runStdioBridge,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP/WebSocket gateway",
	RunE:  runGateway,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Supervise the mcpd daemon process",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon (idempotent if already running)",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon, owned or foreign",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the daemon and print its handle",
	RunE:  runDaemonStatus,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop, wait for port release, start",
	RunE:  runDaemonRestart,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&targetServer, "server", "s", "", "Bridge a single server instead of all of them")
	rootCmd.Flags().BoolVar(&noNamespace, "no-namespace", false, "Expose raw tool names (single-server mode only)")
	rootCmd.Version = Version

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonRestartCmd)
	rootCmd.AddCommand(gatewayCmd, daemonCmd)
}

func main() {
	// Diagnostics must never touch stdout; it belongs to the stdio protocol.
	logrus.SetOutput(os.Stderr)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *client.Client, error) {
	if debugMode {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	backend := client.New(cfg.Daemon.URL, cfg.Daemon.APIKey)
	return cfg, backend, nil
}

func runStdioBridge(cmd *cobra.Command, args []string) error {
	cfg, backend, err := setup()
	if err != nil {
		return err
	}

	mode := bridge.ModeUnified
	namespaced := cfg.Bridge.Namespace
	if targetServer != "" {
		mode = bridge.ModeIndividual
		if noNamespace {
			namespaced = false
		}
	} else if noNamespace {
		return fmt.Errorf("--no-namespace requires --server")
	}

	translator := bridge.NewTranslator(backend, mode, targetServer, namespaced)
	session, err := bridge.NewStdioSession(translator, Version)
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}
	return session.Serve()
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, backend, err := setup()
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	defer bus.Shutdown()

	var supervisor *daemon.Supervisor
	supervisor, err = daemon.New(cfg, backend, bus, daemon.Options{})
	if err != nil {
		// A second bridge process may legitimately hold the lock; the
		// gateway still works against the shared daemon.
		logrus.WithError(err).Warn("Running gateway without supervisor")
		supervisor = nil
	} else {
		defer supervisor.Close()

		monitor := daemon.NewHealthMonitor(supervisor, bus, 15*time.Second)
		monitor.Start()
		defer monitor.Stop()

		if path, err := config.Path(); err == nil {
			watcher, werr := config.Watch(path, func(updated *config.Config) {
				bus.Publish(events.Event{Type: events.ConfigChanged})
				supervisor.Reconfigure(updated)
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := supervisor.Restart(ctx); err != nil {
					logrus.WithError(err).Error("Daemon restart after config change failed")
				}
			})
			if werr == nil {
				defer watcher.Close()
			}
		}
	}

	server := gateway.New(cfg, backend, supervisor, bus, Version)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(ctx)
	}
}

func newSupervisor() (*daemon.Supervisor, *events.EventBus, error) {
	cfg, backend, err := setup()
	if err != nil {
		return nil, nil, err
	}
	bus := events.NewEventBus()
	supervisor, err := daemon.New(cfg, backend, bus, daemon.Options{})
	if err != nil {
		bus.Shutdown()
		return nil, nil, err
	}
	return supervisor, bus, nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	supervisor, bus, err := newSupervisor()
	if err != nil {
		return err
	}
	defer bus.Shutdown()
	defer supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	handle, err := supervisor.Start(ctx)
	if err != nil {
		return err
	}
	return printHandle(handle)
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	supervisor, bus, err := newSupervisor()
	if err != nil {
		return err
	}
	defer bus.Shutdown()
	defer supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return supervisor.Stop(ctx)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, backend, err := setup()
	if err != nil {
		return err
	}
	bus := events.NewEventBus()
	defer bus.Shutdown()

	// Status only probes; it must not contend for the supervisor lock a
	// running gateway holds.
	supervisor, err := daemon.New(cfg, backend, bus, daemon.Options{SkipLock: true})
	if err != nil {
		return err
	}
	defer supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return printHandle(supervisor.Status(ctx))
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	supervisor, bus, err := newSupervisor()
	if err != nil {
		return err
	}
	defer bus.Shutdown()
	defer supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	handle, err := supervisor.Restart(ctx)
	if err != nil {
		return err
	}
	return printHandle(handle)
}

func printHandle(handle daemon.Handle) error {
	data, err := json.MarshalIndent(handle, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
