//go:build linux

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/go-dobj/config"
	"github.com/joeycumines/go-dobj/framing"
	"github.com/joeycumines/go-dobj/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_badFlagsAndConfig(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-nope"}, &stderr))
	assert.Equal(t, 2, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stderr))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: loud}"), 0o600))
	assert.Equal(t, 2, run([]string{"-config", path}, &stderr))
}

func TestServe_sessionRoundTrip(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.TCPPorts = []int{port}
	cfg.PollWait = 10 * time.Millisecond
	cfg.Log.Level = "disabled"
	logger, err := cfg.Log.NewLogger(&bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger) }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	payload, err := session.EncodeRequest(&session.Request{Op: session.OpSubscribe, Oid: 1})
	require.NoError(t, err)
	_, err = conn.Write(framing.AppendFrame(nil, payload))
	require.NoError(t, err)
	b, err := framing.NewReader(conn, 0).ReadFrame()
	require.NoError(t, err)
	f, err := session.DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, session.KindSnapshot, f.Kind)
	assert.Equal(t, "root", f.Attrs["name"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
