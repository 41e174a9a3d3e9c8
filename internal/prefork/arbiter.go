package prefork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrWorkerBoot is returned by Run when a worker exits with WorkerBootError.
var ErrWorkerBoot = errors.New("worker failed to boot")

const (
	defaultMinUptime       = time.Second
	defaultRespawnDelay    = 100 * time.Millisecond
	defaultMaxRespawnDelay = 10 * time.Second
	defaultGracefulTimeout = 30 * time.Second
)

// Config controls the arbiter.
type Config struct {
	Workers         int
	GracefulTimeout time.Duration
	// MinUptime is how long a worker must live for its exit not to count as
	// a crash loop. Respawns after shorter lives are delayed by the backoff.
	MinUptime time.Duration
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithBackOff sets the delay policy for respawning workers that exit before
// MinUptime. The policy is reset whenever a worker outlives MinUptime.
func WithBackOff(b backoff.BackOff) Option {
	return func(a *Arbiter) {
		a.backoff = b
	}
}

// WithHooks replaces the post-fork hooks. The default is PostFork alone.
func WithHooks(hooks ...Hook) Option {
	return func(a *Arbiter) {
		a.hooks = hooks
	}
}

// Arbiter keeps a fixed number of workers alive.
type Arbiter struct {
	cfg     Config
	spawner Spawner
	logger  *zap.Logger
	hooks   []Hook
	backoff backoff.BackOff

	age int

	mu      sync.Mutex
	workers map[int]*Worker
}

type exit struct {
	worker *Worker
	code   int
	err    error
}

// New creates an Arbiter. Workers below one are raised to one.
func New(cfg Config, spawner Spawner, logger *zap.Logger, opts ...Option) *Arbiter {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MinUptime <= 0 {
		cfg.MinUptime = defaultMinUptime
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	respawn := backoff.NewExponentialBackOff()
	respawn.InitialInterval = defaultRespawnDelay
	respawn.MaxInterval = defaultMaxRespawnDelay

	a := &Arbiter{
		cfg:     cfg,
		spawner: spawner,
		logger:  logger.Named("arbiter"),
		hooks:   []Hook{PostFork},
		backoff: respawn,
		workers: make(map[int]*Worker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run spawns the workers and supervises them until ctx is cancelled or a
// worker fails to boot. Workers that exit for any other reason are replaced
// with a new, older worker.
func (a *Arbiter) Run(ctx context.Context) error {
	exits := make(chan exit)

	a.logger.Info("starting workers", zap.Int("workers", a.cfg.Workers))
	for i := 0; i < a.cfg.Workers; i++ {
		if err := a.spawn(exits); err != nil {
			a.stop(exits)
			return err
		}
	}

	// Respawns owed while a backoff delay is pending.
	var (
		pending int
		timer   *time.Timer
		retry   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down workers")
			a.stop(exits)
			return nil
		case e := <-exits:
			a.remove(e.worker)
			if e.code == WorkerBootError {
				a.logger.Error("worker failed to boot", zap.Int("pid", e.worker.PID), zap.Int("age", e.worker.Age))
				a.stop(exits)
				return fmt.Errorf("%w: pid %d", ErrWorkerBoot, e.worker.PID)
			}
			uptime := time.Since(e.worker.started)
			a.logger.Warn("worker exited",
				zap.Int("pid", e.worker.PID),
				zap.Int("age", e.worker.Age),
				zap.Int("exit_code", e.code),
				zap.Duration("uptime", uptime),
				zap.Error(e.err),
			)

			delay := time.Duration(0)
			if uptime < a.cfg.MinUptime {
				delay = a.backoff.NextBackOff()
			} else {
				a.backoff.Reset()
			}
			pending++
			if retry != nil {
				continue
			}
			if delay > 0 {
				a.logger.Info("delaying respawn", zap.Duration("delay", delay))
				timer = time.NewTimer(delay)
				retry = timer.C
				continue
			}
			if err := a.respawn(&pending, exits); err != nil {
				a.stop(exits)
				return err
			}
		case <-retry:
			retry = nil
			if err := a.respawn(&pending, exits); err != nil {
				a.stop(exits)
				return err
			}
		}
	}
}

func (a *Arbiter) respawn(pending *int, exits chan<- exit) error {
	for ; *pending > 0; *pending-- {
		if err := a.spawn(exits); err != nil {
			return err
		}
	}
	return nil
}

// Workers returns the live workers ordered by age.
func (a *Arbiter) Workers() []*Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Worker, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age < out[j].Age })
	return out
}

func (a *Arbiter) spawn(exits chan<- exit) error {
	proc, handshake, err := a.spawner.Spawn()
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	a.age++
	w := newWorker(a.age, proc)

	a.mu.Lock()
	a.workers[w.PID] = w
	a.mu.Unlock()

	go func() {
		code, err := proc.Wait()
		exits <- exit{worker: w, code: code, err: err}
	}()

	for _, hook := range a.hooks {
		hook(a.logger, w)
	}

	err = WriteHandshake(handshake, Handshake{Age: w.Age, PPID: os.Getpid(), Env: w.Env()})
	if closeErr := handshake.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// Usually the worker died before reading. Make sure it is gone; its
		// exit is then handled like any other crash.
		a.logger.Warn("handshake with worker failed", zap.Int("pid", w.PID), zap.Int("age", w.Age), zap.Error(err))
		_ = proc.Signal(os.Kill)
	}
	return nil
}

func (a *Arbiter) remove(w *Worker) {
	a.mu.Lock()
	delete(a.workers, w.PID)
	a.mu.Unlock()
}

// stop asks every worker to terminate, escalating to SIGKILL after the
// graceful timeout, and waits until all of them have been reaped.
func (a *Arbiter) stop(exits <-chan exit) {
	live := a.Workers()
	for _, w := range live {
		if err := w.proc.Signal(syscall.SIGTERM); err != nil {
			a.logger.Debug("signal worker", zap.Int("pid", w.PID), zap.Error(err))
		}
	}

	timer := time.NewTimer(a.cfg.GracefulTimeout)
	defer timer.Stop()
	deadline := timer.C

	for remaining := len(live); remaining > 0; {
		select {
		case e := <-exits:
			a.remove(e.worker)
			remaining--
		case <-deadline:
			deadline = nil
			for _, w := range a.Workers() {
				a.logger.Warn("killing worker after graceful timeout", zap.Int("pid", w.PID))
				_ = w.proc.Signal(os.Kill)
			}
		}
	}
}
