package prefork

import (
	"maps"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/medcat-service/internal/cuda"
)

// Worker is the arbiter's handle on a spawned worker process.
type Worker struct {
	// Age is the sequential ordinal assigned at spawn time, starting at 1.
	Age int
	// PID is the operating system process id of the worker.
	PID int

	proc    Process
	started time.Time

	mu  sync.Mutex
	env map[string]string
}

func newWorker(age int, proc Process) *Worker {
	return &Worker{
		Age:     age,
		PID:     proc.Pid(),
		proc:    proc,
		started: time.Now(),
		env:     make(map[string]string),
	}
}

// Setenv records a variable to be exported into the worker's process
// environment during the handshake.
func (w *Worker) Setenv(key, value string) {
	w.mu.Lock()
	w.env[key] = value
	w.mu.Unlock()
}

// Env returns a copy of the variables recorded for the worker.
func (w *Worker) Env() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.env)
}

// Hook runs in the arbiter after a worker process has started and before the
// worker receives its handshake.
type Hook func(logger *zap.Logger, w *Worker)

// PostFork logs the new worker and publishes its age so the worker can derive
// its GPU assignment.
func PostFork(logger *zap.Logger, w *Worker) {
	logger.Info("worker spawned", zap.Int("pid", w.PID), zap.Int("age", w.Age))
	w.Setenv(cuda.EnvWorkerAge, strconv.Itoa(w.Age))
}
