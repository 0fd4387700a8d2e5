//go:build linux

package policy

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Ephemeral = true
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("Run did not return")
		}
	})
	return s
}

func request(t *testing.T, s *Server, chunks ...[]byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), testTimeout)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	for _, chunk := range chunks {
		_, err := conn.Write(chunk)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	return b
}

func TestServer_servesPolicyThenCloses(t *testing.T) {
	s := startServer(t, Config{})
	reply := request(t, s, Request)

	assert.Contains(t, string(reply), `<allow-access-from domain="*" to-ports="*"/>`)
	assert.NotContains(t, string(reply), "site-control")
	assert.True(t, bytes.HasSuffix(reply, []byte{0}))
	assert.Eventually(t, func() bool { return s.Stats().Closes == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().MsgsIn)
}

func TestServer_fragmentedRequest(t *testing.T) {
	s := startServer(t, Config{Master: true})
	reply := request(t, s, Request[:5], Request[5:12], Request[12:])
	assert.True(t, strings.HasPrefix(string(reply), "<?xml"))
	assert.Contains(t, string(reply), `<site-control permitted-cross-domain-policies="master-only"/>`)
}

func TestServer_malformedRequestClosed(t *testing.T) {
	s := startServer(t, Config{})
	reply := request(t, s, []byte("GET / HTTP/1.0\r\n\r\n"))
	assert.Empty(t, reply)
	assert.Eventually(t, func() bool { return s.Stats().Closes == 1 }, testTimeout, time.Millisecond)
}

func TestNew_defaults(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	defer s.Shutdown()
	assert.Contains(t, string(s.doc), "site-control")
}
