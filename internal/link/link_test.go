package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/vm-migrate-send/internal/wire"
)

// fakeReceiver accepts one connection and lets the test script its
// responses via the returned reader/writer, mirroring how a real
// receiver agent would drive the other end of the socket.
func fakeReceiver(t *testing.T) (addr string, conn func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			connCh <- c
		}
	}()

	return ln.Addr().String(), func() net.Conn {
		select {
		case c := <-connCh:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("receiver never accepted connection")
			return nil
		}
	}
}

func TestGetZFSSnapshotNamesRoundTrip(t *testing.T) {
	addr, accept := fakeReceiver(t)

	l, err := Dial(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	serverConn := accept()
	defer serverConn.Close()

	go func() {
		r := wire.NewReader(serverConn)
		w := wire.NewWriter(serverConn)
		req, err := r.ReadEnvelope()
		if err != nil {
			return
		}
		resp := wire.NewResponse(req.Command, req.EventID)
		resp.Set("names", []string{"vm-migration-1"})
		_ = w.WriteEnvelope(resp)
	}()

	names, err := l.GetZFSSnapshotNames(context.Background(), "zones/X")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-migration-1"}, names)
}

func TestSyncSuccessFiresSink(t *testing.T) {
	addr, accept := fakeReceiver(t)
	l, err := Dial(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	serverConn := accept()
	defer serverConn.Close()

	syncSeen := make(chan struct{})
	l.SetSyncSink(func() { close(syncSeen) })

	go func() {
		r := wire.NewReader(serverConn)
		w := wire.NewWriter(serverConn)
		req, err := r.ReadEnvelope()
		if err != nil {
			return
		}
		resp := wire.NewResponse(req.Command, req.EventID)
		_ = w.WriteEnvelope(resp)
		_ = w.WriteEnvelope(wire.Envelope{Type: wire.TypeSyncSuccess})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Sync(ctx, true, "zones/X"))
	l.MarkSuccessful()

	select {
	case <-syncSeen:
	case <-time.After(time.Second):
		t.Fatal("sync sink never fired")
	}
}

func TestRemoteErrorFiresErrorSink(t *testing.T) {
	addr, accept := fakeReceiver(t)
	l, err := Dial(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	serverConn := accept()
	defer serverConn.Close()

	errSeen := make(chan error, 1)
	l.SetErrorSink(func(err error) { errSeen <- err })

	go func() {
		w := wire.NewWriter(serverConn)
		_ = w.WriteEnvelope(wire.NewError("target disk full"))
	}()

	select {
	case err := <-errSeen:
		assert.Contains(t, err.Error(), "target disk full")
	case <-time.After(time.Second):
		t.Fatal("error sink never fired")
	}
}

func TestUnknownEventIDIsProtocolError(t *testing.T) {
	addr, accept := fakeReceiver(t)
	l, err := Dial(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	serverConn := accept()
	defer serverConn.Close()

	errSeen := make(chan error, 1)
	l.SetErrorSink(func(err error) { errSeen <- err })

	go func() {
		w := wire.NewWriter(serverConn)
		_ = w.WriteEnvelope(wire.NewResponse("sync", 9999))
	}()

	select {
	case err := <-errSeen:
		assert.Contains(t, err.Error(), "unknown eventId")
	case <-time.After(time.Second):
		t.Fatal("error sink never fired")
	}
}

func TestUnexpectedCloseWithoutSuccessFiresSyntheticError(t *testing.T) {
	addr, accept := fakeReceiver(t)
	l, err := Dial(context.Background(), addr, time.Minute)
	require.NoError(t, err)

	serverConn := accept()

	errSeen := make(chan error, 1)
	l.SetErrorSink(func(err error) { errSeen <- err })

	serverConn.Close()

	select {
	case err := <-errSeen:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("error sink never fired on unexpected close")
	}
}
