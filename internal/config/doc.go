// Package config loads runtime configuration from multiple sources (YAML files,
// environment variables, CLI flags) with precedence: CLI flags > YAML config >
// Environment variables > Defaults. It covers the listener, the worker pool,
// the model files and the HTTP limits. Variables that are part of the worker
// handshake, such as GUNICORN_WORKER_AGE, are read by their consumers instead.
package config
