package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/eugenenazirov/medcat-service/internal/application"
	"github.com/eugenenazirov/medcat-service/internal/config"
	"github.com/eugenenazirov/medcat-service/internal/environ"
	"github.com/eugenenazirov/medcat-service/internal/logging"
	"github.com/eugenenazirov/medcat-service/internal/prefork"
)

var signalNotify = signal.Notify

// parentPollInterval is how often a worker checks that its arbiter is alive.
var parentPollInterval = time.Second

type flags struct {
	configFile     string
	envFile        string
	port           string
	workers        int
	logLevel       string
	cdbPath        string
	rateLimitRPS   float64
	rateLimitBurst int
}

func main() {
	kingpinApp := kingpin.New("medcat-service", "MedCAT annotation service - pre-forked HTTP workers with one GPU each")
	var f flags
	kingpinApp.Flag("config", "Path to YAML configuration file").StringVar(&f.configFile)
	kingpinApp.Flag("env-file", "Path to a .env file loaded before configuration").StringVar(&f.envFile)
	kingpinApp.Flag("port", "HTTP port exposed by the service").StringVar(&f.port)
	kingpinApp.Flag("workers", "Number of worker processes (0 serves in-process)").Default("-1").IntVar(&f.workers)
	kingpinApp.Flag("log-level", "Log level (debug, info, warning, error, critical or 10-50)").StringVar(&f.logLevel)
	kingpinApp.Flag("cdb", "Path to the concept database model file").StringVar(&f.cdbPath)
	kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64Var(&f.rateLimitRPS)
	kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").IntVar(&f.rateLimitBurst)

	serveCmd := kingpinApp.Command("serve", "Run the arbiter, or the application itself when workers is 0").Default()
	workerCmd := kingpinApp.Command("worker", "Run a single worker; started by the arbiter").Hidden()

	command := kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			kingpinApp.Fatalf("failed to load env file: %v", err)
		}
	}

	switch command {
	case serveCmd.FullCommand():
		if err := serve(f); err != nil {
			fmt.Fprintf(os.Stderr, "medcat-service: %v\n", err)
			os.Exit(1)
		}
	case workerCmd.FullCommand():
		os.Exit(worker(f))
	}
}

func (f flags) overrides() *config.CLIOverrides {
	overrides := &config.CLIOverrides{
		ConfigFile: f.configFile,
	}
	if f.port != "" {
		overrides.Port = &f.port
	}
	if f.workers >= 0 {
		overrides.Workers = &f.workers
	}
	if f.logLevel != "" {
		overrides.LogLevel = &f.logLevel
	}
	if f.cdbPath != "" {
		overrides.CDBPath = &f.cdbPath
	}
	if f.rateLimitRPS >= 0 {
		overrides.RateLimitRPS = &f.rateLimitRPS
	}
	if f.rateLimitBurst >= 0 {
		overrides.RateLimitBurst = &f.rateLimitBurst
	}
	return overrides
}

// workerArgs rebuilds the command line of a worker so it resolves the same
// configuration as the arbiter.
func (f flags) workerArgs() []string {
	args := []string{"worker"}
	add := func(name, value string) {
		args = append(args, "--"+name+"="+value)
	}
	if f.configFile != "" {
		add("config", f.configFile)
	}
	if f.envFile != "" {
		add("env-file", f.envFile)
	}
	if f.logLevel != "" {
		add("log-level", f.logLevel)
	}
	if f.cdbPath != "" {
		add("cdb", f.cdbPath)
	}
	if f.rateLimitRPS >= 0 {
		add("rate-limit-rps", strconv.FormatFloat(f.rateLimitRPS, 'f', -1, 64))
	}
	if f.rateLimitBurst >= 0 {
		add("rate-limit-burst", strconv.Itoa(f.rateLimitBurst))
	}
	return args
}

func serve(f flags) error {
	cfg, err := config.Load(f.overrides())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Workers == 0 {
		return serveInProcess(cfg)
	}

	logger := logging.Setup(cfg.LogLevel)
	defer func() {
		_ = logger.Sync()
	}()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	defer ln.Close()

	spawner, err := prefork.NewExecSpawner(ln, f.workerArgs()...)
	if err != nil {
		return err
	}
	defer spawner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("arbiter listening", zap.String("addr", ln.Addr().String()), zap.Int("workers", cfg.Workers))
	arbiter := prefork.New(prefork.Config{
		Workers:         cfg.Workers,
		GracefulTimeout: cfg.ShutdownGracePeriod,
	}, spawner, logger)
	return arbiter.Run(ctx)
}

func serveInProcess(cfg config.Config) error {
	app, err := application.New(cfg)
	if err != nil {
		return err
	}
	logger := app.Logger()
	defer func() {
		_ = logger.Sync()
	}()

	if err := app.Start(); err != nil {
		return err
	}

	shutdown(context.Background(), app.Server(), cfg.ShutdownGracePeriod, logger)
	return nil
}

// worker returns the process exit code. Start-up failures map to
// prefork.WorkerBootError so the arbiter stops instead of respawning.
func worker(f flags) int {
	handshake, err := prefork.ReceiveHandshake(environ.OS())
	if err != nil {
		fmt.Fprintf(os.Stderr, "medcat-service worker: %v\n", err)
		return prefork.WorkerBootError
	}

	cfg, err := config.Load(f.overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "medcat-service worker: failed to load configuration: %v\n", err)
		return prefork.WorkerBootError
	}

	app, err := application.New(cfg)
	if err != nil {
		zap.L().Error("failed to initialize application", zap.Int("age", handshake.Age), zap.Error(err))
		_ = zap.L().Sync()
		return prefork.WorkerBootError
	}
	logger := app.Logger().With(zap.Int("age", handshake.Age))
	defer func() {
		_ = logger.Sync()
	}()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	ln, err := prefork.InheritedListener()
	if err != nil {
		logger.Error("failed to inherit listener", zap.Error(err))
		return prefork.WorkerBootError
	}
	app.Serve(ln)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchParent(ctx, handshake.PPID, cancel, logger)

	shutdown(ctx, app.Server(), cfg.ShutdownGracePeriod, logger)
	return 0
}

// watchParent cancels the worker when it is re-parented, which happens when
// the arbiter dies without stopping its workers.
func watchParent(ctx context.Context, ppid int, cancel context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != ppid {
				logger.Warn("arbiter is gone, stopping worker", zap.Int("ppid", ppid))
				cancel()
				return
			}
		}
	}
}

func shutdown(ctx context.Context, server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil && !errors.Is(closeErr, http.ErrServerClosed) {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
