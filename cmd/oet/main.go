package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/oet/internal/activity"
	"github.com/cuemby/oet/internal/apifacade"
	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/config"
	"github.com/cuemby/oet/internal/environment"
	"github.com/cuemby/oet/internal/metrics"
	"github.com/cuemby/oet/internal/procmanager"
	"github.com/cuemby/oet/internal/restapi"
	"github.com/cuemby/oet/internal/sbarchive"
	"github.com/cuemby/oet/internal/scriptworker"
	"github.com/cuemby/oet/internal/ses"
	"github.com/cuemby/oet/internal/supervisor"
	"github.com/cuemby/oet/pkg/log"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "oet",
	Short:   "Observation Execution Tool: a supervisor for telescope control scripts",
	Version: Version,
}

var configPath string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("oet version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Script Execution Engine's API and worker supervisor",
	RunE:  runServe,
}

// runCmd is the hidden Script Worker re-exec entrypoint. The Process
// Manager spawns this same binary with exactly this subcommand and two
// extra file descriptors already attached (fd 3: inbound work queue,
// fd 4: outbound event queue); it never appears in --help.
var runCmd = &cobra.Command{
	Use:    "run",
	Hidden: true,
	RunE:   runWorker,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if configPath != "" {
		watcher, err := config.WatchFile(configPath, func(reloaded config.Config) {
			log.WithComponent("main").Info().Msg("config reloaded")
			cfg = reloaded
		})
		if err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("config watch disabled")
		} else {
			defer watcher.Close()
		}
	}

	mainLog := log.WithComponent("main")

	b := bus.New("oet-server")

	sup := supervisor.New(supervisor.Timeouts{Startup: cfg.TStartup, Soft: cfg.TSoft, Hard: cfg.THard})
	sup.InstallSignalHandler(cmd.Context())

	envMgr := environment.New(cfg.ScriptsLocation, environment.PipInstaller{}, cfg.TEnv)

	workerBinary := cfg.WorkerBinary
	if workerBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable path: %w", err)
		}
		workerBinary = self
	}
	pm := procmanager.New(sup, envMgr, b, workerBinary)

	sesSvc := ses.New(pm, b, cfg.H)
	sesSvc.RegisterBusHandlers()

	archive := sbarchive.NewHTTPClient(cfg.ODAURL)
	activitySvc := activity.New(archive, b, cfg.TAPI, os.TempDir())
	activitySvc.RegisterBusHandlers()

	broker := apifacade.NewBroker(b, 1024)
	api := restapi.New(b, broker, cfg.TAPI)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		mainLog.Info().Str("addr", cfg.APIAddr).Msg("starting API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		mainLog.Info().Msg("shutdown signal received")
	case err := <-errCh:
		mainLog.Error().Err(err).Msg("API server exited unexpectedly")
	}

	shutdownCtx := cmd.Context()
	_ = httpServer.Shutdown(shutdownCtx)
	sup.ShutdownAll(shutdownCtx)
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	pidStr := os.Getenv("OET_WORKER_PID")
	pid, err := strconv.ParseUint(pidStr, 10, 64)
	if err != nil {
		return fmt.Errorf("OET_WORKER_PID: %w", err)
	}

	workQueue := os.NewFile(3, "work-queue")
	eventQueue := os.NewFile(4, "event-queue")
	if workQueue == nil || eventQueue == nil {
		return fmt.Errorf("worker process missing inherited work/event queue file descriptors")
	}

	log.Init(log.Config{Level: log.Level(os.Getenv("OET_LOG_LEVEL")), JSONOutput: true})

	relayTimeout := 2 * time.Second
	b := bus.New(fmt.Sprintf("worker-%d", pid), bus.WithRelay(bus.NewPipeRelay(eventQueue), relayTimeout))
	w := scriptworker.New(pid, b)

	if err := w.Run(workQueue); err != nil {
		return fmt.Errorf("worker %d exited: %w", pid, err)
	}
	return nil
}
