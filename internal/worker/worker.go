// Package worker implements the Worker aggregate: the in-progress
// migration task, VM description, progress counters, stop flag, progress
// watcher, and control listener, collected into one struct threaded
// through the control server's handlers, plus the bootstrap handshake
// with the parent supervisor that starts it all up as a long-lived,
// supervisor-driven process.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joyent/vm-migrate-send/internal/config"
	"github.com/joyent/vm-migrate-send/internal/controlsrv"
	"github.com/joyent/vm-migrate-send/internal/diagnostics"
	"github.com/joyent/vm-migrate-send/internal/errs"
	"github.com/joyent/vm-migrate-send/internal/link"
	"github.com/joyent/vm-migrate-send/internal/logging"
	"github.com/joyent/vm-migrate-send/internal/pipeline"
	"github.com/joyent/vm-migrate-send/internal/progress"
	"github.com/joyent/vm-migrate-send/internal/storagecli"
	"github.com/joyent/vm-migrate-send/internal/syncer"
	"github.com/joyent/vm-migrate-send/internal/task"
)

// Version is the worker's reported version, surfaced by the control
// server's ping response and the CLI's version command.
const Version = "1.0.0"

// BootstrapMessage is the single startup message the parent supervisor
// sends on the worker's stdin, per the worker bootstrap contract.
type BootstrapMessage struct {
	ReqID          string          `json:"req_id"`
	UUID           string          `json:"uuid"`
	TimeoutSeconds float64         `json:"timeoutSeconds,omitempty"`
	Payload        BootstrapPayload `json:"payload"`
}

// BootstrapPayload carries the migration task and VM description handed
// down at startup.
type BootstrapPayload struct {
	MigrationTask struct {
		Action string            `json:"action"`
		Record task.MigrationTask `json:"record"`
	} `json:"migrationTask"`
	VM task.VM `json:"vm"`
}

// BootstrapReply is written to stdout once the control server is bound.
type BootstrapReply struct {
	Host  string          `json:"host,omitempty"`
	Port  int             `json:"port,omitempty"`
	PID   int             `json:"pid,omitempty"`
	Error *BootstrapError `json:"error,omitempty"`
}

// BootstrapError reports a fatal bootstrap failure to the supervisor.
type BootstrapError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// defaultTimeoutSeconds is used when the supervisor omits timeoutSeconds.
const defaultTimeoutSeconds = 60

// IPResolver discovers the local management IP address. The real
// mechanism is an external collaborator outside this worker's scope;
// DefaultIPResolver is a usable stand-in for environments with a single
// routable interface.
type IPResolver func() (string, error)

// DefaultIPResolver returns the first non-loopback IPv4 address found on
// the host.
func DefaultIPResolver() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no routable IPv4 address found")
}

// Worker is the long-lived aggregate created at bootstrap and driven by
// control-server commands for the rest of the process's life.
type Worker struct {
	mu   sync.Mutex
	task *task.MigrationTask
	vm   task.VM

	storage  storagecli.Adapter
	config   config.Config
	logger   *slog.Logger
	ringBuf  *logging.RingBuffer
	logFile  *os.File

	counters *progress.Counters
	stopFlag atomic.Bool
	watcher  *progress.Watcher

	server *controlsrv.Server

	watcherStartOnce sync.Once
}

// New creates a Worker with its ambient services wired in, but no
// control server yet (Bootstrap binds that).
func New(cfg config.Config, logger *slog.Logger, ringBuf *logging.RingBuffer, logFile *os.File) *Worker {
	w := &Worker{
		storage:  storagecli.New(cfg.ZFSPath),
		config:   cfg,
		logger:   logger,
		ringBuf:  ringBuf,
		logFile:  logFile,
		counters: &progress.Counters{},
	}
	w.watcher = progress.NewWatcher(w.counters, &w.stopFlag, cfg.ProgressTickInterval, logger)
	return w
}

// Bootstrap reads the single startup message from in, resolves the local
// management IP (unless cfg.ControlListenHost names the bind host), binds
// the control server, and writes the reply to out.
// It returns the running Worker; the caller is expected to then call
// Serve.
func Bootstrap(in io.Reader, out io.Writer, cfg config.Config, logger *slog.Logger, ringBuf *logging.RingBuffer, logFile *os.File, resolveIP IPResolver) (*Worker, error) {
	msg, err := readBootstrapMessage(in)
	if err != nil {
		writeBootstrapError(out, err)
		return nil, err
	}

	w := New(cfg, logger, ringBuf, logFile)
	w.mu.Lock()
	record := msg.Payload.MigrationTask.Record
	w.task = &record
	w.vm = msg.Payload.VM
	w.mu.Unlock()

	host := cfg.ControlListenHost
	if host == "" {
		host, err = resolveIP()
		if err != nil {
			setupErr := &errs.SetupError{Stage: "resolve-management-ip", Err: err}
			writeBootstrapError(out, setupErr)
			return nil, setupErr
		}
	}

	srv, err := controlsrv.Listen(host, w, logger)
	if err != nil {
		setupErr := &errs.SetupError{Stage: "bind-control-listener", Err: err}
		writeBootstrapError(out, setupErr)
		return nil, setupErr
	}
	w.server = srv

	tcpAddr, _ := srv.Addr().(*net.TCPAddr)
	port := 0
	if tcpAddr != nil {
		port = tcpAddr.Port
	}

	reply := BootstrapReply{Host: host, Port: port, PID: os.Getpid()}
	if err := json.NewEncoder(out).Encode(reply); err != nil {
		return nil, err
	}

	return w, nil
}

func readBootstrapMessage(in io.Reader) (BootstrapMessage, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return BootstrapMessage{}, err
		}
		return BootstrapMessage{}, io.EOF
	}

	var msg BootstrapMessage
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		return BootstrapMessage{}, fmt.Errorf("malformed bootstrap message: %w", err)
	}
	if msg.TimeoutSeconds == 0 {
		msg.TimeoutSeconds = defaultTimeoutSeconds
	}
	return msg, nil
}

func writeBootstrapError(out io.Writer, err error) {
	reply := BootstrapReply{Error: &BootstrapError{Message: err.Error()}}
	_ = json.NewEncoder(out).Encode(reply)
}

// Serve runs the control listener's accept loop until it is closed by a
// stop/end command.
func (w *Worker) Serve() error {
	return w.server.Serve()
}

// --- controlsrv.Handlers ---

// Ping implements controlsrv.Handlers.
func (w *Worker) Ping() (int, string) { return os.Getpid(), Version }

// ApplyRecord implements controlsrv.Handlers.
func (w *Worker) ApplyRecord(record json.RawMessage) error {
	var mt task.MigrationTask
	if err := json.Unmarshal(record, &mt); err != nil {
		return fmt.Errorf("set-record: %w", err)
	}
	w.mu.Lock()
	w.task = &mt
	w.mu.Unlock()
	return nil
}

// Watch implements controlsrv.Handlers.
func (w *Worker) Watch(sub progress.Subscriber) func() {
	id := w.watcher.Subscribe(sub)
	w.ensureWatcherRunning()
	return func() { w.watcher.Unsubscribe(id) }
}

func (w *Worker) ensureWatcherRunning() {
	w.watcherStartOnce.Do(func() { go w.watcher.Run() })
}

// RunSync implements controlsrv.Handlers: it builds a pipeline dialing
// the receiver at host:port and runs the sync orchestrator over the
// active VM record.
func (w *Worker) RunSync(ctx context.Context, sub progress.Subscriber, host string, port int) error {
	w.mu.Lock()
	mt := w.task
	vm := w.vm
	w.mu.Unlock()

	if mt == nil {
		return &errs.ProtocolError{Reason: "sync requested before set-record"}
	}
	w.counters.Reset()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dial := func(ctx context.Context) (*link.Link, error) {
		return link.Dial(ctx, addr, w.config.LinkIdleTimeout)
	}

	p := &pipeline.Pipeline{
		Storage:  w.storage,
		Dial:     dial,
		Task:     mt,
		Counters: w.counters,
		StopFlag: &w.stopFlag,
		Config:   w.config,
		Logger:   w.logger,
	}

	s := &syncer.Syncer{Pipeline: p}
	_, err := s.Run(ctx, vm)
	if err != nil {
		w.dumpCrash(mt, err)
	}
	return err
}

// Stop implements controlsrv.Handlers.
func (w *Worker) Stop() {
	w.stopFlag.Store(true)
	w.watcher.End()
}

func (w *Worker) dumpCrash(mt *task.MigrationTask, reason error) {
	if w.ringBuf == nil {
		return
	}
	d := diagnostics.Build(time.Now(), reason.Error(), mt, w.ringBuf)
	path := filepath.Join(os.TempDir(), fmt.Sprintf("vm-migrate-send-crash-%d.yaml", os.Getpid()))
	if err := diagnostics.Write(path, d); err != nil && w.logger != nil {
		w.logger.Warn("failed to write crash dump", "error", err)
	}
}
