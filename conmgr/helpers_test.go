//go:build linux

package conmgr

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

// startManager binds and runs a manager for the duration of the test.
func startManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.PollWait == 0 {
		cfg.PollWait = 10 * time.Millisecond
	}
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Listen())

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		m.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(testTimeout):
			t.Error("Run did not return")
		}
	})
	return m
}

// stopTicking shuts down a manager driven by Tick on the test goroutine.
func stopTicking(t *testing.T, m *Manager) {
	t.Helper()
	m.Shutdown()
	if err := m.Tick(time.Now()); err != nil && !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Tick: %v", err)
	}
	<-m.Done()
}

// socketPair returns a non-blocking connected pair, closing the second end
// on cleanup. The first end is meant to be adopted by a manager.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

// peerEOF reports whether the peer end observes the connection as closed.
func peerEOF(fd int) bool {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			continue
		}
		return n == 0 && err == nil
	}
}

type echoHandler struct{}

func (echoHandler) HandleData(c *Connection, data []byte) {
	c.MessageReceived()
	_ = c.Send(data)
}

func (echoHandler) ConnectionClosed(*Connection) {}

type countingHandler struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed int
}

func (x *countingHandler) HandleData(_ *Connection, data []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.data.Write(data)
}

func (x *countingHandler) ConnectionClosed(*Connection) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed++
}

func (x *countingHandler) Closed() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}
