//go:build linux

package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/go-dobj/dobj"
	"github.com/joeycumines/go-dobj/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type fixture struct {
	objects *dobj.Manager
	srv     *Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	objects, err := dobj.New()
	require.NoError(t, err)
	objectsDone := make(chan struct{})
	go func() {
		defer close(objectsDone)
		_ = objects.Run(context.Background())
	}()

	srv, err := New(objects, conmgr.Config{
		Host:     "127.0.0.1",
		TCPPorts: []int{0},
		PollWait: 10 * time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		_ = srv.Run(context.Background())
	}()

	t.Cleanup(func() {
		srv.Shutdown()
		<-srvDone
		objects.HarshShutdown()
		<-objectsDone
	})
	return &fixture{objects: objects, srv: srv}
}

func (x *fixture) register(t *testing.T, attrs map[string]any) dobj.Oid {
	t.Helper()
	oid, err := x.objects.RegisterObject(dobj.NewDObject(attrs))
	require.NoError(t, err)
	return oid
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *framing.Reader
}

func (x *fixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", x.srv.Addrs()[0].String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return &client{t: t, conn: conn, reader: framing.NewReader(conn, 0)}
}

func (x *client) send(req *Request) {
	x.t.Helper()
	payload, err := EncodeRequest(req)
	require.NoError(x.t, err)
	_, err = x.conn.Write(framing.AppendFrame(nil, payload))
	require.NoError(x.t, err)
}

func (x *client) recv() *Frame {
	x.t.Helper()
	payload, err := x.reader.ReadFrame()
	require.NoError(x.t, err)
	f, err := DecodeFrame(payload)
	require.NoError(x.t, err)
	return f
}

func (x *client) subscribe(oid dobj.Oid) *Frame {
	x.t.Helper()
	x.send(&Request{Op: OpSubscribe, Oid: uint64(oid)})
	f := x.recv()
	require.Equal(x.t, KindSnapshot, f.Kind)
	return f
}

func (x *client) expectClosed() {
	x.t.Helper()
	_, err := io.ReadAll(x.conn)
	require.NoError(x.t, err)
}

func TestSession_subscribeAndReceive(t *testing.T) {
	fx := newFixture(t)
	oid := fx.register(t, map[string]any{"score": 1, "name": "room"})

	a := fx.dial(t)
	b := fx.dial(t)
	snap := a.subscribe(oid)
	assert.Equal(t, uint64(oid), snap.Oid)
	assert.Equal(t, uint64(1), snap.Attrs["score"])
	assert.Equal(t, "room", snap.Attrs["name"])
	b.subscribe(oid)

	a.send(&Request{Op: OpSet, Oid: uint64(oid), Name: "score", Value: 2})
	for _, c := range []*client{a, b} {
		f := c.recv()
		assert.Equal(t, "attribute_changed", f.Kind)
		assert.Equal(t, "score", f.Name)
		assert.Equal(t, uint64(2), f.Value)
		assert.Equal(t, uint64(1), f.Old)
	}

	b.send(&Request{Op: OpEntryAdd, Oid: uint64(oid), Name: "players", Key: "p1", Value: "alice"})
	f := a.recv()
	assert.Equal(t, "entry_added", f.Kind)
	assert.Equal(t, "p1", f.Key)
	assert.Equal(t, "alice", f.Value)
	assert.Equal(t, 2, fx.srv.Sessions())
}

func TestSession_referencesAndDestroy(t *testing.T) {
	fx := newFixture(t)
	room := fx.register(t, nil)
	player := fx.register(t, nil)

	c := fx.dial(t)
	c.subscribe(room)
	c.send(&Request{Op: OpOidAdd, Oid: uint64(room), Name: "occupants", Ref: uint64(player)})
	f := c.recv()
	assert.Equal(t, "oid_added", f.Kind)
	assert.Equal(t, uint64(player), f.Ref)

	c.send(&Request{Op: OpDestroy, Oid: uint64(player)})
	f = c.recv()
	assert.Equal(t, "oid_removed", f.Kind)
	assert.Equal(t, uint64(player), f.Ref)

	c.send(&Request{Op: OpDestroy, Oid: uint64(room)})
	f = c.recv()
	assert.Equal(t, "object_destroyed", f.Kind)
	assert.Equal(t, uint64(room), f.Oid)
}

func TestSession_errors(t *testing.T) {
	fx := newFixture(t)
	oid := fx.register(t, nil)
	c := fx.dial(t)

	c.send(&Request{Op: OpSubscribe, Oid: 404})
	f := c.recv()
	assert.Equal(t, KindError, f.Kind)
	assert.Equal(t, OpSubscribe, f.Op)
	assert.Equal(t, uint64(404), f.Oid)

	c.send(&Request{Op: OpSet, Oid: 404, Name: "a", Value: 1})
	f = c.recv()
	assert.Equal(t, KindError, f.Kind)
	assert.Equal(t, OpSet, f.Op)
	assert.Equal(t, "a", f.Name)
	assert.Equal(t, dobj.ErrNoSuchObject.Error(), f.Error)

	c.send(&Request{Op: "frobnicate", Oid: uint64(oid)})
	f = c.recv()
	assert.Equal(t, KindError, f.Kind)
	assert.Contains(t, f.Error, "frobnicate")

	c.send(&Request{Op: OpEntryRemove, Oid: uint64(oid), Name: "s"})
	f = c.recv()
	assert.Equal(t, OpEntryRemove, f.Op)
	assert.Equal(t, dobj.ErrInvalidKey.Error(), f.Error)
}

func TestSession_nonScalarKeyRejected(t *testing.T) {
	fx := newFixture(t)
	oid := fx.register(t, nil)
	c := fx.dial(t)
	c.subscribe(oid)

	for _, key := range []any{
		cbor.Tag{Number: 100, Content: []any{1, 2}},
		[]any{1, 2},
		map[string]any{"a": 1},
	} {
		payload, err := cbor.Marshal(map[string]any{"op": OpEntryAdd, "oid": uint64(oid), "name": "s", "key": key})
		require.NoError(t, err)
		_, err = c.conn.Write(framing.AppendFrame(nil, payload))
		require.NoError(t, err)
		f := c.recv()
		assert.Equal(t, KindError, f.Kind)
		assert.Equal(t, OpEntryAdd, f.Op)
		assert.Equal(t, dobj.ErrInvalidKey.Error(), f.Error)
	}

	c.send(&Request{Op: OpEntryAdd, Oid: uint64(oid), Name: "s", Key: int64(-3), Value: "ok"})
	f := c.recv()
	assert.Equal(t, "entry_added", f.Kind)
	assert.Equal(t, int64(-3), f.Key)
	assert.Equal(t, dobj.StateRunning, fx.objects.State())
}

func TestSession_malformedRequestCloses(t *testing.T) {
	fx := newFixture(t)
	c := fx.dial(t)
	_, err := c.conn.Write(framing.AppendFrame(nil, []byte{0xff, 0x00}))
	require.NoError(t, err)
	c.expectClosed()
	assert.Eventually(t, func() bool { return fx.srv.Sessions() == 0 }, testTimeout, time.Millisecond)
}

func TestSession_oversizedFrameCloses(t *testing.T) {
	fx := newFixture(t, WithMaxFrameSize(64))
	c := fx.dial(t)
	var header [framing.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 65)
	_, err := c.conn.Write(header[:])
	require.NoError(t, err)
	c.expectClosed()
}

func TestSession_requestRate(t *testing.T) {
	fx := newFixture(t, WithRequestRate(0.001, 1))
	oid := fx.register(t, nil)
	c := fx.dial(t)
	c.subscribe(oid)
	c.send(&Request{Op: OpSet, Oid: uint64(oid), Name: "a", Value: 1})
	f := c.recv()
	assert.Equal(t, KindError, f.Kind)
	assert.Equal(t, ErrRateLimited.Error(), f.Error)
}

func TestSession_closeCancelsSubscriptions(t *testing.T) {
	fx := newFixture(t)
	oid := fx.register(t, nil)
	c := fx.dial(t)
	c.subscribe(oid)
	require.Equal(t, 1, fx.srv.Sessions())
	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return fx.srv.Sessions() == 0 }, testTimeout, time.Millisecond)
}
