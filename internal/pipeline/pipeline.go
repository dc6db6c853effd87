// Package pipeline implements the per-dataset state machine: negotiate
// resumability and snapshot naming with the receiver, create a migration
// snapshot, estimate the send size, stream it, and await the receiver's
// success notification. Collect and stream are two separate stages
// sharing one dataset context, run across all of a VM's datasets in two
// passes rather than one dataset at a time end to end.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joyent/vm-migrate-send/internal/config"
	"github.com/joyent/vm-migrate-send/internal/errs"
	"github.com/joyent/vm-migrate-send/internal/link"
	"github.com/joyent/vm-migrate-send/internal/progress"
	"github.com/joyent/vm-migrate-send/internal/storagecli"
	"github.com/joyent/vm-migrate-send/internal/task"
)

// State is a dataset's position in its pipeline, per the dataset
// pipeline's state machine.
type State string

const (
	StateIdle        State = "idle"
	StateCollecting  State = "collecting"
	StateSnapshotted State = "snapshotted"
	StateEstimated   State = "estimated"
	StateReady       State = "ready"
	StateStreaming   State = "streaming"
	StateAwaitingAck State = "awaiting-ack"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Dataset is the per-dataset context built during a sync run, per the
// data model.
type Dataset struct {
	ZFSFilesystem string

	SourceSnapshotNames []string
	TargetSnapshotNames []string

	IsFirstSync      bool
	ContinueLastSync bool
	Token            string

	PrevSnapshotName string
	SnapshotName     string

	EstimatedSize int64

	EndedSuccessfully bool
	State             State
}

// Dial opens a receiver-link to the address carried in the sync command.
type Dial func(ctx context.Context) (*link.Link, error)

// Pipeline runs the collect and stream stages for one dataset.
type Pipeline struct {
	Storage  storagecli.Adapter
	Dial     Dial
	Task     *task.MigrationTask
	Counters *progress.Counters
	StopFlag *atomic.Bool
	Config   config.Config
	Logger   *slog.Logger
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Collect runs Stage A for ds: list source snapshots, negotiate
// resumability and naming with the receiver, create the new snapshot if
// needed, and record a send-size estimate.
func (p *Pipeline) Collect(ctx context.Context, ds *Dataset) error {
	ds.State = StateCollecting
	ds.EndedSuccessfully = false

	names, err := p.Storage.ListSnapshots(ctx, ds.ZFSFilesystem, task.SnapshotPrefix)
	if err != nil {
		ds.State = StateFailed
		return err
	}
	task.SortSnapshotNames(names)
	ds.SourceSnapshotNames = names

	l, err := p.Dial(ctx)
	if err != nil {
		ds.State = StateFailed
		return err
	}
	defer p.closeLink(l, ds)

	targetName := p.Task.TargetName(ds.ZFSFilesystem)
	targetNames, err := l.GetZFSSnapshotNames(ctx, targetName)
	if err != nil {
		ds.State = StateFailed
		return err
	}
	if !task.IsMonotone(targetNames) {
		p.log().Warn("receiver reported non-monotone snapshot list", "dataset", ds.ZFSFilesystem, "names", targetNames)
	}
	ds.TargetSnapshotNames = targetNames

	if err := p.negotiateResumability(ctx, l, ds, targetName); err != nil {
		ds.State = StateFailed
		return err
	}
	ds.State = StateSnapshotted

	if err := p.planAndCreateSnapshot(ctx, ds); err != nil {
		ds.State = StateFailed
		return err
	}

	estimateCtx, cancel := context.WithTimeout(ctx, p.Config.EstimateTimeout)
	estimate, err := p.Storage.EstimateSend(estimateCtx, p.sendArgsFor(ds))
	cancel()
	if err != nil {
		ds.State = StateFailed
		return err
	}
	ds.EstimatedSize = estimate
	ds.State = StateEstimated

	ds.EndedSuccessfully = true
	return nil
}

func (p *Pipeline) negotiateResumability(ctx context.Context, l *link.Link, ds *Dataset, targetName string) error {
	isFirstSync, mightResume := p.Task.Resumability()
	if isFirstSync {
		ds.IsFirstSync = true
		return nil
	}

	if !mightResume {
		ds.IsFirstSync = false
		ds.ContinueLastSync = false
		return nil
	}

	token, err := l.GetZFSResumeToken(ctx, targetName)
	if err != nil {
		return err
	}

	if token == "" && len(ds.TargetSnapshotNames) == 0 {
		ds.IsFirstSync = true
		ds.ContinueLastSync = false
		return nil
	}

	ds.IsFirstSync = false
	if token == "" {
		ds.ContinueLastSync = false
		return nil
	}
	ds.ContinueLastSync = true
	ds.Token = token
	return nil
}

func (p *Pipeline) planAndCreateSnapshot(ctx context.Context, ds *Dataset) error {
	prev, next := p.Task.PlannedSnapshotNames()
	for containsName(ds.TargetSnapshotNames, next) {
		p.Task.AdvancePhase()
		ds.IsFirstSync = false
		prev, next = p.Task.PlannedSnapshotNames()
	}
	ds.PrevSnapshotName = prev
	ds.SnapshotName = next

	if containsName(ds.SourceSnapshotNames, next) {
		return nil
	}

	createCtx, cancel := context.WithTimeout(ctx, p.Config.SnapshotCreateTimeout)
	defer cancel()
	if err := p.Storage.CreateSnapshot(createCtx, ds.ZFSFilesystem, next); err != nil {
		return err
	}
	ds.SourceSnapshotNames = append(ds.SourceSnapshotNames, next)
	task.SortSnapshotNames(ds.SourceSnapshotNames)
	return nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (p *Pipeline) sendArgsFor(ds *Dataset) []string {
	return storagecli.SendArgs(ds.ZFSFilesystem, ds.ContinueLastSync, ds.IsFirstSync, ds.Token, ds.PrevSnapshotName, ds.SnapshotName)
}

// Stream runs Stage B for ds: tell the receiver to ready itself, spawn
// the send, pipe its stdout into the receiver-link's socket, sample
// progress every 495ms, and wait for the receiver's sync-success.
func (p *Pipeline) Stream(ctx context.Context, ds *Dataset) error {
	ds.State = StateReady
	ds.EndedSuccessfully = false

	l, err := p.Dial(ctx)
	if err != nil {
		ds.State = StateFailed
		return err
	}
	defer p.closeLink(l, ds)

	errCh := make(chan error, 1)
	syncCh := make(chan struct{}, 1)
	l.SetErrorSink(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	l.SetSyncSink(func() {
		// sync-success completes the stage, so a later end of the
		// connection is not a failure.
		l.MarkSuccessful()
		select {
		case syncCh <- struct{}{}:
		default:
		}
	})

	targetName := p.Task.TargetName(ds.ZFSFilesystem)
	if err := l.Sync(ctx, ds.IsFirstSync, targetName); err != nil {
		ds.State = StateFailed
		return err
	}
	ds.State = StateStreaming

	handle, err := p.Storage.StartSend(ctx, p.sendArgsFor(ds))
	if err != nil {
		ds.State = StateFailed
		return err
	}

	var written atomic.Int64
	baseline := p.Counters.Current()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(&countingWriter{w: l.RawConn(), n: &written}, handle.Stdout)
		copyDone <- copyErr
	}()

	stopSampling := p.startProgressSampler(ds, &written, baseline)
	defer stopSampling()

	var copyErr, sendErr error
	select {
	case copyErr = <-copyDone:
	case <-ctx.Done():
		ds.State = StateFailed
		return ctx.Err()
	}

	result := handle.Wait()
	sendErr = result.Err
	if sendErr == nil && result.ExitCode != 0 {
		sendErr = &errs.StorageError{Stage: "send", Stderr: handle.Stderr()}
	}

	if copyErr != nil && sendErr == nil {
		sendErr = copyErr
	}
	if sendErr != nil {
		ds.State = StateFailed
		return sendErr
	}

	ds.State = StateAwaitingAck
	select {
	case err := <-errCh:
		ds.State = StateFailed
		return err
	case <-syncCh:
		ds.EndedSuccessfully = true
		ds.State = StateDone
		return nil
	case <-ctx.Done():
		ds.State = StateFailed
		return ctx.Err()
	}
}

// startProgressSampler installs the 495ms stream-sampling timer and
// returns a function that stops it. The timer self-cancels once the
// process-wide stop flag is observed set.
func (p *Pipeline) startProgressSampler(ds *Dataset, written *atomic.Int64, baseline int64) func() {
	interval := p.Config.StreamSampleInterval
	if interval <= 0 {
		interval = 495 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p.StopFlag != nil && p.StopFlag.Load() {
					return
				}
				current := baseline + written.Load()
				p.Counters.SetCurrent(current)
				p.Counters.ReestablishInvariant()
			}
		}
	}()

	var stopped atomic.Bool
	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
			<-exited
		}
	}
}

func (p *Pipeline) closeLink(l *link.Link, ds *Dataset) {
	if ds.EndedSuccessfully {
		l.MarkSuccessful()
	}
	if err := l.Close(); err != nil {
		p.log().Debug("receiver-link close", "error", err)
	}
}

// countingWriter forwards writes to w and counts bytes written, used to
// sample send progress without interposing a buffer on the byte path.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
