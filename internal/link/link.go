// Package link implements the receiver-link: one TCP connection to the
// receiver agent, multiplexing newline-delimited JSON control frames with
// the raw byte stream of a send. It is a request/response client with a
// background read loop and a waiter table keyed by correlation id, kept
// open for the life of a dataset's collect-and-stream sequence instead of
// one-shot dial-call-close.
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/joyent/vm-migrate-send/internal/errs"
	"github.com/joyent/vm-migrate-send/internal/wire"
)

// nextGlobalID is incremented for every request on any Link so event ids
// remain unique within a process even across successive links for the
// same dataset (collect and stream each open a fresh connection).
var (
	idMu        sync.Mutex
	nextGlobalID uint64
)

func allocEventID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	nextGlobalID++
	return nextGlobalID
}

// Link is one TCP connection to a receiver, carrying request/response
// control frames and, after a successful Sync call, the raw send byte
// stream, on the same socket.
type Link struct {
	conn        net.Conn
	reader      *wire.Reader
	writer      *wire.Writer
	idleTimeout time.Duration

	mu      sync.Mutex
	waiters map[uint64]chan wire.Envelope
	closed  bool

	errSink  func(error)
	syncSink func()

	successful bool

	readDone chan struct{}
}

// Dial connects to addr and starts the background read loop. idleTimeout
// bounds how long the connection tolerates silence before it is
// considered failed, per the receiver-link's 5-minute default.
func Dial(ctx context.Context, addr string, idleTimeout time.Duration) (*Link, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errs.LinkError{Reason: "connect", Err: err}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}

	l := &Link{
		conn:        conn,
		reader:      wire.NewReader(conn),
		writer:      wire.NewWriter(conn),
		idleTimeout: idleTimeout,
		waiters:     map[uint64]chan wire.Envelope{},
		readDone:    make(chan struct{}),
	}

	go l.readLoop()
	return l, nil
}

// SetErrorSink installs the one-shot slot invoked when the receiver
// reports an asynchronous error or the link fails.
func (l *Link) SetErrorSink(f func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errSink = f
}

// SetSyncSink installs the one-shot slot invoked when the receiver
// reports sync-success.
func (l *Link) SetSyncSink(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncSink = f
}

// MarkSuccessful records that this link's work ended on purpose, so its
// eventual close does not synthesize a spurious error.
func (l *Link) MarkSuccessful() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successful = true
}

// RawConn returns the underlying connection for streaming raw send bytes
// after a successful Sync call. The read loop continues to consume
// control-frame lines concurrently with the caller writing raw bytes, per
// the receiver-link's half-open multiplexing invariant.
func (l *Link) RawConn() net.Conn { return l.conn }

func (l *Link) readLoop() {
	defer close(l.readDone)
	for {
		if l.idleTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}

		env, err := l.reader.ReadEnvelope()
		if err != nil {
			l.handleReadError(err)
			return
		}

		switch env.Type {
		case wire.TypeResponse:
			l.deliverResponse(env)
		case wire.TypeError:
			l.fireError(&errs.RemoteError{Message: env.Message})
		case wire.TypeSyncSuccess:
			l.fireSync()
		default:
			l.fireError(&errs.ProtocolError{Reason: fmt.Sprintf("unexpected event type %q on receiver-link", env.Type)})
		}
	}
}

func (l *Link) handleReadError(err error) {
	l.mu.Lock()
	wasSuccessful := l.successful
	l.mu.Unlock()

	if wasSuccessful {
		return
	}
	l.fireError(&errs.LinkError{Reason: "unexpected end or timeout", Err: err})
}

func (l *Link) deliverResponse(env wire.Envelope) {
	l.mu.Lock()
	ch, ok := l.waiters[env.EventID]
	if ok {
		delete(l.waiters, env.EventID)
	}
	l.mu.Unlock()

	if !ok {
		l.fireError(&errs.ProtocolError{Reason: fmt.Sprintf("response for unknown eventId %d", env.EventID)})
		return
	}
	ch <- env
}

func (l *Link) fireError(err error) {
	l.mu.Lock()
	sink := l.errSink
	l.mu.Unlock()
	if sink != nil {
		sink(err)
	}
}

func (l *Link) fireSync() {
	l.mu.Lock()
	sink := l.syncSink
	l.mu.Unlock()
	if sink != nil {
		sink()
	}
}

// request sends command with fields and blocks for its correlated
// response, or until ctx is done.
func (l *Link) request(ctx context.Context, command string, fields map[string]any) (wire.Envelope, error) {
	id := allocEventID()
	req := wire.NewRequest(command, id)
	for k, v := range fields {
		req.Set(k, v)
	}

	ch := make(chan wire.Envelope, 1)
	l.mu.Lock()
	l.waiters[id] = ch
	l.mu.Unlock()

	if err := l.writer.WriteEnvelope(req); err != nil {
		l.mu.Lock()
		delete(l.waiters, id)
		l.mu.Unlock()
		return wire.Envelope{}, &errs.LinkError{Reason: "write request", Err: err}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.waiters, id)
		l.mu.Unlock()
		return wire.Envelope{}, ctx.Err()
	case <-l.readDone:
		return wire.Envelope{}, &errs.LinkError{Reason: "link closed while awaiting response"}
	}
}

// GetZFSSnapshotNames asks the receiver for the target dataset's existing
// migration snapshot names.
func (l *Link) GetZFSSnapshotNames(ctx context.Context, zfsFilesystem string) ([]string, error) {
	resp, err := l.request(ctx, "get-zfs-snapshot-names", map[string]any{"zfs_filesystem": zfsFilesystem})
	if err != nil {
		return nil, err
	}
	var names []string
	if ok, err := resp.Get("names", &names); err != nil || !ok {
		// A response field that is not an array is treated as empty,
		// per the dataset pipeline's collect-stage contract.
		return nil, nil
	}
	return names, nil
}

// GetZFSResumeToken asks the receiver for a resume token for the target
// dataset. An empty string means no resumable state is held.
func (l *Link) GetZFSResumeToken(ctx context.Context, zfsFilesystem string) (string, error) {
	resp, err := l.request(ctx, "get-zfs-resume-token", map[string]any{"zfs_filesystem": zfsFilesystem})
	if err != nil {
		return "", err
	}
	var token string
	_, _ = resp.Get("token", &token)
	return token, nil
}

// Sync tells the receiver to ready itself to consume raw bytes on this
// socket. Once its response is received, the caller may write the send
// stream directly via RawConn; no further requests may be issued on this
// link until Sync-success or an error is observed.
func (l *Link) Sync(ctx context.Context, isFirstSync bool, zfsFilesystem string) error {
	_, err := l.request(ctx, "sync", map[string]any{
		"isFirstSync":    isFirstSync,
		"zfsFilesystem":  zfsFilesystem,
	})
	return err
}

// Stop tells the receiver to terminate cleanly.
func (l *Link) Stop(ctx context.Context) error {
	_, err := l.request(ctx, "stop", nil)
	return err
}

// Close closes the underlying connection and waits for the read loop to
// exit.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.conn.Close()
	<-l.readDone
	return err
}
