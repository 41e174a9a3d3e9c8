// Package cuda pins a worker process to a single GPU. The choice is published
// through CUDA_VISIBLE_DEVICES, which GPU runtimes read once when they
// initialise, so Setup must run before any model is loaded.
package cuda

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/eugenenazirov/medcat-service/internal/environ"
)

const (
	// EnvWorkerAge is published by the post-fork hook.
	EnvWorkerAge = "GUNICORN_WORKER_AGE"
	// EnvDeviceCount is the number of GPUs available to the process manager.
	EnvDeviceCount = "APP_CUDA_DEVICE_COUNT"
	// EnvVisibleDevices is read by the GPU runtime.
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"

	unset = -1
)

// SelectDevice maps a worker age onto a device index in [0, count).
// ok is false when age is negative or count is not positive.
func SelectDevice(age, count int) (device int, ok bool) {
	if age < 0 || count <= 0 {
		return 0, false
	}
	return age % count, true
}

// Setup reads the worker age and device count from env and, when both are
// valid, writes the selected device index to CUDA_VISIBLE_DEVICES. Missing or
// malformed values disable pinning; nothing here is treated as an error.
func Setup(logger *zap.Logger, env environ.Environment) (device int, ok bool) {
	logger = logger.Named("CUDA resource allocation")

	age, ageSet := readInt(logger, env, EnvWorkerAge)
	count, countSet := readInt(logger, env, EnvDeviceCount)

	device, ok = SelectDevice(age, count)
	if !ok {
		switch {
		case ageSet && countSet:
			logger.Warn("invalid cuda configuration, skipping device pinning",
				zap.Int("worker_age", age),
				zap.Int("device_count", count),
			)
		case ageSet != countSet:
			logger.Warn("cuda configuration partially set, skipping device pinning",
				zap.Int("worker_age", age),
				zap.Int("device_count", count),
			)
		default:
			logger.Info("worker age or cuda device variables not set")
		}
		return 0, false
	}

	if err := env.Setenv(EnvVisibleDevices, strconv.Itoa(device)); err != nil {
		logger.Warn("failed to publish cuda device", zap.Error(err))
		return 0, false
	}

	logger.Info("setting cuda device", zap.Int("device", device), zap.Int("worker_age", age), zap.Int("device_count", count))
	return device, true
}

func readInt(logger *zap.Logger, env environ.Environment, key string) (int, bool) {
	value, found, err := environ.Int(env, key, unset)
	if err != nil {
		logger.Warn("ignoring malformed variable", zap.String("key", key), zap.Error(err))
		return unset, false
	}
	return value, found
}
