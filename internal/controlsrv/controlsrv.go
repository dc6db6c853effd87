// Package controlsrv implements the control server: a TCP listener bound
// to the local management interface that accepts newline-delimited JSON
// commands from the parent supervisor (ping, set-record, sync, watch,
// stop, end) and dispatches them against a Handlers implementation. One
// goroutine per accepted connection, with errors funneled back as error
// events rather than panicking; the set-record dedup fingerprint hashes
// the incoming payload and compares it against the last applied hash
// instead of re-applying an unchanged record.
package controlsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/joyent/vm-migrate-send/internal/progress"
	"github.com/joyent/vm-migrate-send/internal/wire"
)

// Handlers is implemented by the worker aggregate; the server dispatches
// each accepted command to the matching method.
type Handlers interface {
	// Ping returns the fields for a ping response.
	Ping() (pid int, version string)

	// ApplyRecord replaces the in-memory MigrationTask with record. Only
	// called when the record's fingerprint differs from the last one
	// seen, per the control server's set-record idempotence contract.
	ApplyRecord(record json.RawMessage) error

	// RunSync runs the sync orchestrator to completion against the
	// receiver at host:port, writing progress to sub for the duration.
	// Its returned error, if any, becomes the terminal error event on
	// the connection that sent the sync command.
	RunSync(ctx context.Context, sub progress.Subscriber, host string, port int) error

	// Watch subscribes sub to progress broadcasts without starting a
	// sync.
	Watch(sub progress.Subscriber) (unsubscribe func())

	// Stop sets the process-wide stop flag and ends the progress
	// watcher.
	Stop()
}

// Conn wraps one accepted connection with line-JSON framing and
// implements progress.Subscriber so it can be handed straight to the
// progress watcher.
type Conn struct {
	net.Conn
	reader *wire.Reader
	writer *wire.Writer
}

func newConn(c net.Conn) *Conn {
	return &Conn{Conn: c, reader: wire.NewReader(c), writer: wire.NewWriter(c)}
}

// WriteEnvelope implements progress.Subscriber.
func (c *Conn) WriteEnvelope(e wire.Envelope) error { return c.writer.WriteEnvelope(e) }

// Server is the control listener and command dispatcher.
type Server struct {
	ln       net.Listener
	handlers Handlers
	logger   *slog.Logger

	mu             sync.Mutex
	lastRecordHash [32]byte
	haveHash       bool

	closeOnce sync.Once
}

// Listen binds a TCP listener on host at port 0 (an OS-assigned ephemeral
// port), per the control server's bind contract.
func Listen(host string, handlers Handlers, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, handlers: handlers, logger: logger}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(newConn(conn))
	}
}

// Close closes the listener, causing Serve to return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) handleConn(c *Conn) {
	defer c.Close()
	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			if _, isMalformed := isMalformedJSON(err); isMalformed {
				s.log().Warn("malformed control request, discarding line", "error", err)
				continue
			}
			return
		}

		if env.Type != wire.TypeRequest {
			continue
		}

		switch env.Command {
		case "ping":
			pid, version := s.handlers.Ping()
			resp := wire.NewResponse("ping", env.EventID)
			resp.Set("pid", pid)
			resp.Set("version", version)
			_ = c.writer.WriteEnvelope(resp)

		case "set-record":
			s.dispatchSetRecord(c, env)

		case "sync":
			s.dispatchSync(c, env, &unsubscribe)

		case "watch":
			unsubscribe = s.handlers.Watch(c)
			resp := wire.NewResponse("watch", env.EventID)
			_ = c.writer.WriteEnvelope(resp)

		case "stop", "end":
			resp := wire.NewResponse(env.Command, env.EventID)
			_ = c.writer.WriteEnvelope(resp)
			s.handlers.Stop()
			_ = s.Close()
			return

		default:
			e := wire.NewError("Not Implemented")
			e.Command = env.Command
			e.EventID = env.EventID
			_ = c.writer.WriteEnvelope(e)
		}
	}
}

func (s *Server) dispatchSetRecord(c *Conn, env wire.Envelope) {
	raw, ok := env.Fields["record"]
	if !ok {
		e := wire.NewError("set-record requires a record field")
		e.Command = "set-record"
		e.EventID = env.EventID
		_ = c.writer.WriteEnvelope(e)
		return
	}

	hash := blake3.Sum256(raw)

	s.mu.Lock()
	unchanged := s.haveHash && hash == s.lastRecordHash
	s.mu.Unlock()

	if !unchanged {
		if err := s.handlers.ApplyRecord(raw); err != nil {
			e := wire.NewError(fmt.Sprintf("set-record: %v", err))
			e.Command = "set-record"
			e.EventID = env.EventID
			_ = c.writer.WriteEnvelope(e)
			return
		}
		s.mu.Lock()
		s.lastRecordHash = hash
		s.haveHash = true
		s.mu.Unlock()
	}

	resp := wire.NewResponse("set-record", env.EventID)
	_ = c.writer.WriteEnvelope(resp)
}

func (s *Server) dispatchSync(c *Conn, env wire.Envelope, unsubscribe *func()) {
	*unsubscribe = s.handlers.Watch(c)

	var host string
	var port int
	_, _ = env.Get("host", &host)
	_, _ = env.Get("port", &port)

	err := s.handlers.RunSync(context.Background(), c, host, port)
	if err != nil {
		e := wire.NewError(err.Error())
		e.Command = "sync"
		e.EventID = env.EventID
		_ = c.writer.WriteEnvelope(e)
		return
	}

	resp := wire.NewResponse("sync", env.EventID)
	_ = c.writer.WriteEnvelope(resp)
}

// isMalformedJSON reports whether err came from a line that failed JSON
// decoding (as opposed to a socket-level read error, which should end
// the connection).
func isMalformedJSON(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	// wire.Reader wraps decode failures with this prefix; anything else
	// (EOF, net errors) is a real connection end.
	msg := err.Error()
	const prefix = "malformed json line:"
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return err, true
	}
	return nil, false
}

// Pid is the process id reported in ping responses.
func Pid() int { return os.Getpid() }
