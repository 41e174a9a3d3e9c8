package prefork

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/eugenenazirov/medcat-service/internal/environ"
)

const (
	// ListenerFD is the descriptor of the inherited listening socket.
	ListenerFD = 3
	// HandshakeFD is the descriptor of the inherited handshake pipe.
	HandshakeFD = 4
)

// ErrInvalidHandshake is returned when the handshake cannot be decoded or
// carries values that violate its contract.
var ErrInvalidHandshake = errors.New("invalid worker handshake")

// Handshake is sent once from the arbiter to a freshly started worker.
type Handshake struct {
	Age  int               `json:"age"`
	PPID int               `json:"ppid"`
	Env  map[string]string `json:"env"`
}

// WriteHandshake encodes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	if err := h.validate(); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	return nil
}

// ReadHandshake decodes and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if err := h.validate(); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// Apply exports the handshake variables into env.
func (h Handshake) Apply(env environ.Environment) error {
	for k, v := range h.Env {
		if err := env.Setenv(k, v); err != nil {
			return fmt.Errorf("apply %s: %w", k, err)
		}
	}
	return nil
}

func (h Handshake) validate() error {
	if h.Age < 1 {
		return fmt.Errorf("%w: age must be positive, got %d", ErrInvalidHandshake, h.Age)
	}
	for k := range h.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("%w: bad variable name %q", ErrInvalidHandshake, k)
		}
	}
	return nil
}

// ReceiveHandshake reads the handshake from the inherited pipe, closes it and
// applies the variables to env.
func ReceiveHandshake(env environ.Environment) (Handshake, error) {
	f := os.NewFile(HandshakeFD, "handshake")
	if f == nil {
		return Handshake{}, fmt.Errorf("%w: descriptor %d unavailable", ErrInvalidHandshake, HandshakeFD)
	}
	defer f.Close()

	h, err := ReadHandshake(f)
	if err != nil {
		return Handshake{}, err
	}
	if err := h.Apply(env); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// InheritedListener returns the listening socket passed by the arbiter.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(ListenerFD, "listener")
	if f == nil {
		return nil, fmt.Errorf("listener descriptor %d unavailable", ListenerFD)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	return ln, nil
}
