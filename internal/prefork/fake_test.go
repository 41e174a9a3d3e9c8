package prefork

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	exitOnce sync.Once
	exitCh   chan int

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, ignoreTerm: ignoreTerm, exitCh: make(chan int, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == os.Kill {
		p.exit(137)
		return nil
	}
	if !p.ignoreTerm {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() { p.exitCh <- code })
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type handshakeBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *handshakeBuffer) Close() error {
	b.closed = true
	return nil
}

type brokenPipe struct{}

func (brokenPipe) Write([]byte) (int, error) { return 0, syscall.EPIPE }
func (brokenPipe) Close() error              { return nil }

type fakeSpawner struct {
	ignoreTerm bool
	failAfter  int
	// exitCode, when non-negative, makes every process exit right away.
	exitCode int
	// brokenHandshakes is the number of leading spawns whose pipe fails.
	brokenHandshakes int

	mu         sync.Mutex
	nextPID    int
	procs      []*fakeProcess
	handshakes []*handshakeBuffer

	spawned chan *fakeProcess
}

var errSpawn = errors.New("spawn refused")

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 100, failAfter: -1, exitCode: -1, spawned: make(chan *fakeProcess, 32)}
}

func (s *fakeSpawner) Spawn() (Process, io.WriteCloser, error) {
	s.mu.Lock()
	if s.failAfter >= 0 && len(s.procs) >= s.failAfter {
		s.mu.Unlock()
		return nil, nil, errSpawn
	}
	s.nextPID++
	p := newFakeProcess(s.nextPID, s.ignoreTerm)
	s.procs = append(s.procs, p)
	var w io.WriteCloser
	if len(s.procs) <= s.brokenHandshakes {
		w = brokenPipe{}
	} else {
		hs := &handshakeBuffer{}
		s.handshakes = append(s.handshakes, hs)
		w = hs
	}
	s.mu.Unlock()

	if s.exitCode >= 0 {
		p.exit(s.exitCode)
	}
	select {
	case s.spawned <- p:
	default:
	}
	return p, w, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) decoded() ([]Handshake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handshake, 0, len(s.handshakes))
	for _, hs := range s.handshakes {
		h, err := ReadHandshake(bytes.NewReader(hs.Bytes()))
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
