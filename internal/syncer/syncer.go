// Package syncer implements the sync orchestrator: it enumerates a VM's
// datasets, runs the collect stage for every dataset before the stream
// stage for any, and tears the receiver-link down with a best-effort
// stop regardless of outcome.
package syncer

import (
	"context"
	"sort"

	"github.com/joyent/vm-migrate-send/internal/pipeline"
	"github.com/joyent/vm-migrate-send/internal/task"
)

// Syncer drives the collect-all-then-stream-all sequence for one sync
// command.
type Syncer struct {
	Pipeline *pipeline.Pipeline
}

// Run syncs every dataset belonging to vm. Datasets are processed in
// lexical order; Stage A (collect) runs for all datasets before Stage B
// (stream) begins for any, per the sync orchestrator's ordering
// guarantee.
func (s *Syncer) Run(ctx context.Context, vm task.VM) ([]*pipeline.Dataset, error) {
	names := vm.Datasets()
	sort.Strings(names)

	datasets := make([]*pipeline.Dataset, len(names))
	for i, name := range names {
		datasets[i] = &pipeline.Dataset{ZFSFilesystem: name}
	}

	for _, ds := range datasets {
		if err := s.Pipeline.Collect(ctx, ds); err != nil {
			return datasets, s.teardown(ctx, err)
		}
		s.Pipeline.Counters.AddTotal(ds.EstimatedSize)
		s.Pipeline.Counters.ReestablishInvariant()
	}

	for _, ds := range datasets {
		if err := s.Pipeline.Stream(ctx, ds); err != nil {
			return datasets, s.teardown(ctx, err)
		}
		s.Pipeline.Counters.ReestablishInvariant()
	}

	// A completed sync reports current progress equal to total progress.
	s.Pipeline.Counters.SetCurrent(s.Pipeline.Counters.Total())

	return datasets, s.teardown(ctx, nil)
}

// teardown opens a final receiver-link and issues stop, ignoring any
// error from that step, per the sync orchestrator's completion contract.
// runErr, the caller's own outcome, passes through unchanged.
func (s *Syncer) teardown(ctx context.Context, runErr error) error {
	l, err := s.Pipeline.Dial(ctx)
	if err != nil {
		return runErr
	}
	_ = l.Stop(ctx)
	l.MarkSuccessful()
	_ = l.Close()
	return runErr
}
