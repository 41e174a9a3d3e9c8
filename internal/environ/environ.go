// Package environ abstracts the process environment so components that read
// or publish environment variables can be exercised against an in-memory table.
package environ

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Environment is the subset of the process environment used at start-up.
type Environment interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
}

type osEnvironment struct{}

// OS returns the real process environment.
func OS() Environment {
	return osEnvironment{}
}

func (osEnvironment) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (osEnvironment) Setenv(key, value string) error {
	return os.Setenv(key, value)
}

// Map is an in-memory Environment safe for concurrent use.
type Map struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewMap returns a Map seeded with a copy of vars.
func NewMap(vars map[string]string) *Map {
	m := &Map{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		m.vars[k] = v
	}
	return m
}

func (m *Map) LookupEnv(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[key]
	return v, ok
}

func (m *Map) Setenv(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=\x00") {
		return fmt.Errorf("invalid environment key %q", key)
	}
	m.mu.Lock()
	m.vars[key] = value
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current variables.
func (m *Map) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.vars))
	for k, v := range m.vars {
		out[k] = v
	}
	return out
}

// Int reads key as an integer. It returns fallback with ok=false when the key
// is absent or blank, and an error when the value is not an integer.
func Int(env Environment, key string, fallback int) (value int, ok bool, err error) {
	raw, found := env.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !found || raw == "" {
		return fallback, false, nil
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, true, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return i, true, nil
}
