// Package storagecli adapts the external storage CLI (zfs(8)): listing
// migration snapshots, creating them, estimating a send's byte size, and
// streaming a send as a long-running subprocess. Each operation runs
// under a context-bound timeout with stderr captured for diagnostics; a
// running send exposes its stdout as a stream and keeps a bounded sliding
// window of stderr instead of buffering the whole thing.
package storagecli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/joyent/vm-migrate-send/internal/errs"
)

// Adapter invokes the zfs binary at Path.
type Adapter struct {
	Path string
}

// New returns an Adapter invoking the zfs binary at path.
func New(path string) Adapter {
	return Adapter{Path: path}
}

// ListSnapshots runs a recursive snapshot listing limited to dataset,
// keeps only short names beginning with prefix, and returns them in the
// order reported (the caller is responsible for numeric sorting; see
// internal/task.SortSnapshotNames).
func (a Adapter) ListSnapshots(ctx context.Context, dataset, prefix string) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.Path, "list", "-H", "-o", "name", "-t", "snapshot", "-r", dataset)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, &errs.StorageError{Stage: "list-snapshots", Stderr: stderr.String(), Err: err}
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "@", 2)
		if len(parts) != 2 {
			continue
		}
		short := parts[1]
		if prefix != "" && !strings.HasPrefix(short, prefix) {
			continue
		}
		names = append(names, short)
	}
	return names, nil
}

// CreateSnapshot creates a recursive snapshot named dataset@shortName. The
// caller must bound ctx to the 15-minute timeout named in the storage CLI
// adapter's contract.
func (a Adapter) CreateSnapshot(ctx context.Context, dataset, shortName string) error {
	full := dataset + "@" + shortName
	cmd := exec.CommandContext(ctx, a.Path, "snapshot", "-r", full)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &errs.StorageError{Stage: "create-snapshot", Stderr: stderr.String(), Err: err}
	}
	return nil
}

var sizeLineRe = regexp.MustCompile(`^size\s+(\d+)$`)

// EstimateSend runs the tool with the given send arguments plus a
// dry-run/parsable-output flag and parses the last non-empty stdout line,
// which must match "size <digits>".
func (a Adapter) EstimateSend(ctx context.Context, args []string) (int64, error) {
	full := append([]string{}, args...)
	full = append(full, "-n", "-P")

	cmd := exec.CommandContext(ctx, a.Path, full...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return 0, &errs.StorageError{Stage: "estimate-send", Stderr: stderr.String(), Err: err}
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		m := sizeLineRe.FindStringSubmatch(line)
		if m == nil {
			return 0, &errs.ProtocolError{Reason: "unable to get send estimate"}
		}
		n, convErr := strconv.ParseInt(m[1], 10, 64)
		if convErr != nil {
			return 0, &errs.ProtocolError{Reason: "unable to get send estimate"}
		}
		return n, nil
	}
	return 0, &errs.ProtocolError{Reason: "unable to get send estimate"}
}

// stderrWindowLimit is the number of bytes kept from the start and end of
// a send subprocess's stderr, per the storage CLI adapter's contract.
const stderrWindowLimit = 2500

// stderrEllipsis separates the kept head and tail when the full stream
// exceeds 2*stderrWindowLimit bytes.
const stderrEllipsis = "\n...\n"

// SendHandle represents a running send subprocess. Stdout is exposed as
// an io.Reader for the caller to pipe into a receiver-link socket; Wait
// returns the process's exit outcome.
type SendHandle struct {
	Stdout io.Reader

	cmd *exec.Cmd

	mu         sync.Mutex
	stderrHead []byte
	stderrTail []byte
	stderrSeen int64

	stderrDone chan struct{}
	reap       chan struct{}
	reapOnce   sync.Once
	done       chan SendResult
}

// SendResult is the terminal event for a send subprocess: either a
// process error (failed to start/wait), or a close outcome mirroring the
// storage CLI adapter's close(code, killed, signal) event.
type SendResult struct {
	Err      error
	ExitCode int
	Killed   bool
	Signal   string
}

// Stderr returns the captured sliding-window stderr: the first and last
// stderrWindowLimit bytes, joined by an ellipsis marker if truncated.
func (h *SendHandle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stderrSeen <= int64(len(h.stderrHead)) {
		return string(h.stderrHead)
	}
	if h.stderrSeen <= 2*stderrWindowLimit {
		rest := h.stderrSeen - int64(len(h.stderrHead))
		return string(h.stderrHead) + string(h.stderrTail[int64(len(h.stderrTail))-rest:])
	}
	return string(h.stderrHead) + stderrEllipsis + string(h.stderrTail)
}

func (h *SendHandle) recordStderr(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stderrHead) < stderrWindowLimit {
		room := stderrWindowLimit - len(h.stderrHead)
		take := min(room, len(chunk))
		h.stderrHead = append(h.stderrHead, chunk[:take]...)
	}
	h.stderrTail = append(h.stderrTail, chunk...)
	if len(h.stderrTail) > stderrWindowLimit {
		h.stderrTail = h.stderrTail[len(h.stderrTail)-stderrWindowLimit:]
	}
	h.stderrSeen += int64(len(chunk))
}

// Wait blocks until the subprocess exits and returns its SendResult. The
// process is reaped only once Wait is called, so Stdout must be drained
// first.
func (h *SendHandle) Wait() SendResult {
	h.reapOnce.Do(func() { close(h.reap) })
	return <-h.done
}

// SendArgs computes the send argument list as a pure function of the
// dataset's resumability and snapshot plan, per the storage CLI adapter's
// contract:
//
//	continueLastSync:        [send, -t, <token>]
//	isFirstSync:             [send, --replicate, <dataset>@<snapshotName>]
//	otherwise (incremental): [send, -I, <dataset>@<prevSnapshotName>, <dataset>@<snapshotName>]
func SendArgs(dataset string, continueLastSync, isFirstSync bool, token, prevSnapshotName, snapshotName string) []string {
	switch {
	case continueLastSync:
		return []string{"send", "-t", token}
	case isFirstSync:
		return []string{"send", "--replicate", fmt.Sprintf("%s@%s", dataset, snapshotName)}
	default:
		return []string{
			"send", "-I",
			fmt.Sprintf("%s@%s", dataset, prevSnapshotName),
			fmt.Sprintf("%s@%s", dataset, snapshotName),
		}
	}
}

// StartSend spawns the tool with args, exposing stdout as a byte stream
// and capturing stderr through a sliding window. The caller owns draining
// Stdout and calling Wait.
func (a Adapter) StartSend(ctx context.Context, args []string) (*SendHandle, error) {
	cmd := exec.CommandContext(ctx, a.Path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &errs.StorageError{Stage: "start-send", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &errs.StorageError{Stage: "start-send", Err: err}
	}

	h := &SendHandle{
		Stdout:     stdout,
		cmd:        cmd,
		stderrDone: make(chan struct{}),
		reap:       make(chan struct{}),
		done:       make(chan SendResult, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, &errs.StorageError{Stage: "start-send", Err: err}
	}

	go func() {
		defer close(h.stderrDone)
		r := bufio.NewReader(stderr)
		buf := make([]byte, 4096)
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				h.recordStderr(buf[:n])
			}
			if readErr != nil {
				break
			}
		}
	}()

	go func() {
		// cmd.Wait closes both pipes, so it runs only after stderr is
		// drained and the caller has called Wait (after draining Stdout).
		<-h.stderrDone
		<-h.reap
		waitErr := cmd.Wait()
		result := SendResult{}
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
				if exitErr.ProcessState != nil {
					result.Killed = !exitErr.ProcessState.Exited()
				}
			} else {
				result.Err = &errs.StorageError{Stage: "start-send", Stderr: h.Stderr(), Err: waitErr}
			}
		}
		h.done <- result
	}()

	return h, nil
}
