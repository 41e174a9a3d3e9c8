package application

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/eugenenazirov/medcat-service/internal/api"
	"github.com/eugenenazirov/medcat-service/internal/config"
	"github.com/eugenenazirov/medcat-service/internal/cuda"
	"github.com/eugenenazirov/medcat-service/internal/environ"
	"github.com/eugenenazirov/medcat-service/internal/logging"
	"github.com/eugenenazirov/medcat-service/internal/nlp"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	processor nlp.Processor
	service   nlp.Service
	handler   *api.Handler
	router    http.Handler
	metrics   *api.Metrics
	logger    *zap.Logger
	server    *http.Server

	device     int
	devicePins bool
}

// Option configures New.
type Option func(*options)

type options struct {
	env        environ.Environment
	processors []nlp.ProcessorOption
}

// WithEnvironment replaces the process environment read by the CUDA selector.
func WithEnvironment(env environ.Environment) Option {
	return func(o *options) {
		o.env = env
	}
}

// WithProcessorOptions passes options to the concept processor constructor.
func WithProcessorOptions(opts ...nlp.ProcessorOption) Option {
	return func(o *options) {
		o.processors = append(o.processors, opts...)
	}
}

// New builds a ready-to-serve application. The order is fixed: logging, GPU
// selection, server, routes, then the processor and service singletons. The
// GPU variable must be published before the model is loaded.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := options{env: environ.OS()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.Setup(cfg.LogLevel)

	device, pinned := cuda.Setup(logger, o.env)

	app := &App{
		logger:     logger,
		metrics:    api.NewMetrics(),
		device:     device,
		devicePins: pinned,
	}
	app.server = NewServer(cfg, nil)

	app.metrics.SetWorker(workerLabels(o.env, device, pinned))

	// The handler resolves the service lazily, so routes can be registered
	// before the singletons exist.
	app.handler = api.NewHandler(serviceFunc(app.Service),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithMaxBulkDocuments(cfg.MaxBulkDocuments),
		api.WithHandlerMetrics(app.metrics),
	)
	app.router = api.NewRouter(app.handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithMetrics(app.metrics),
	)
	app.server.Handler = BuildRootHandler(app.router, app.metrics.Handler())

	processor, err := nlp.NewConceptProcessor(nlp.ProcessorConfig{
		AppName:   cfg.AppName,
		ModelName: cfg.ModelName,
		Language:  cfg.ModelLanguage,
		CDBPath:   cfg.CDBPath,
		BulkNProc: cfg.BulkNProc,
	}, logger, o.processors...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct processor: %w", err)
	}
	app.processor = processor
	app.service = nlp.NewProcessorService(processor)

	app.handler.SetReady(true)
	app.server.RegisterOnShutdown(func() {
		app.handler.SetReady(false)
	})

	info := processor.Info()
	logger.Info("application ready",
		zap.String("model", info.ServiceModel),
		zap.Int("concepts", info.ConceptCount),
		zap.Bool("cuda_pinned", pinned),
	)
	return app, nil
}

// workerLabels returns the age and device metric labels. Both are empty when
// the process was not spawned by the arbiter or is not pinned to a GPU.
func workerLabels(env environ.Environment, device int, pinned bool) (age, dev string) {
	if n, found, err := environ.Int(env, cuda.EnvWorkerAge, -1); found && err == nil && n >= 0 {
		age = strconv.Itoa(n)
	}
	if pinned {
		dev = strconv.Itoa(device)
	}
	return age, dev
}

type serviceFunc func() nlp.Service

func (f serviceFunc) Processor() nlp.Processor {
	return f().Processor()
}

// BuildRootHandler mounts the API route collection under /api/ and the
// metrics endpoint under /metrics. Everything else is 404.
func BuildRootHandler(apiHandler, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.Handle("/", http.NotFoundHandler())
	return mux
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start listens on the configured address and serves in a goroutine.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.Serve(ln)
	return nil
}

// Serve serves on ln in a goroutine. Workers use it with the listener
// inherited from the arbiter.
func (a *App) Serve(ln net.Listener) {
	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Router returns the registered API route collection.
func (a *App) Router() http.Handler {
	return a.router
}

// Logger returns the process root logger configured by New.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Processor returns the processor singleton.
func (a *App) Processor() nlp.Processor {
	return a.processor
}

// Service returns the service singleton.
func (a *App) Service() nlp.Service {
	return a.service
}

// Device reports the CUDA device this process was pinned to, if any.
func (a *App) Device() (int, bool) {
	return a.device, a.devicePins
}
