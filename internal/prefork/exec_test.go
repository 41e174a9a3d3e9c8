package prefork

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/medcat-service/internal/cuda"
	"github.com/eugenenazirov/medcat-service/internal/environ"
)

// envHelperWorker makes the test binary act as a worker instead of running tests.
const envHelperWorker = "PREFORK_HELPER_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(envHelperWorker) {
	case "":
		os.Exit(m.Run())
	case "boot-error":
		os.Exit(WorkerBootError)
	default:
		os.Exit(helperWorker())
	}
}

// helperWorker reads the handshake from its descriptor, accepts one
// connection on the inherited listener and reports what it received.
func helperWorker() int {
	h, err := ReceiveHandshake(environ.OS())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return WorkerBootError
	}
	ln, err := InheritedListener()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return WorkerBootError
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer conn.Close()
	fmt.Fprintf(conn, "%d %s %d\n", h.Age, os.Getenv(cuda.EnvWorkerAge), h.PPID)
	return 0
}

func newHelperSpawner(t *testing.T, mode string) (*ExecSpawner, net.Listener) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("descriptor inheritance is not supported on windows")
	}
	t.Setenv(envHelperWorker, mode)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	spawner, err := NewExecSpawner(ln, "-test.run=^$")
	if err != nil {
		t.Fatalf("NewExecSpawner returned error: %v", err)
	}
	t.Cleanup(func() { _ = spawner.Close() })
	return spawner, ln
}

func TestExecSpawnerPassesHandshakeAndListener(t *testing.T) {
	spawner, ln := newHelperSpawner(t, "serve")

	proc, pipe, err := spawner.Spawn()
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	w := newWorker(5, proc)
	PostFork(zap.NewNop(), w)
	err = WriteHandshake(pipe, Handshake{Age: w.Age, PPID: os.Getpid(), Env: w.Env()})
	if closeErr := pipe.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial inherited listener: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read worker reply: %v", err)
	}
	want := "5 5 " + strconv.Itoa(os.Getpid())
	if got := strings.TrimSpace(line); got != want {
		t.Fatalf("expected worker to report %q, got %q", want, got)
	}

	code, err := proc.Wait()
	if err != nil || code != 0 {
		t.Fatalf("expected clean worker exit, got code %d err %v", code, err)
	}
}

func TestExecSpawnerReportsBootError(t *testing.T) {
	spawner, _ := newHelperSpawner(t, "boot-error")

	proc, pipe, err := spawner.Spawn()
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	_ = pipe.Close()

	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if code != WorkerBootError {
		t.Fatalf("expected exit code %d, got %d", WorkerBootError, code)
	}
}
