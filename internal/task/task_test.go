package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetsBhyveSingleRoot(t *testing.T) {
	vm := VM{ZFSFilesystem: "zones/X", Brand: "bhyve"}
	assert.Equal(t, []string{"zones/X"}, vm.Datasets())
}

func TestDatasetsKVMIndependentDisks(t *testing.T) {
	vm := VM{
		ZFSFilesystem: "zones/X",
		Brand:         "kvm",
		Disks: []Disk{
			{ZFSFilesystem: "zones/X-disk1"},
			{ZFSFilesystem: "zones/X-disk0"},
		},
	}
	assert.Equal(t, []string{"zones/X", "zones/X-disk0", "zones/X-disk1"}, vm.Datasets())
}

func TestTargetNameRename(t *testing.T) {
	mt := &MigrationTask{SourceVMUUID: "AAA", TargetVMUUID: "BBB"}
	assert.Equal(t, "zones/BBB", mt.TargetName("zones/AAA"))
}

func TestTargetNameSameVM(t *testing.T) {
	mt := &MigrationTask{SourceVMUUID: "AAA", TargetVMUUID: "AAA"}
	assert.Equal(t, "zones/AAA", mt.TargetName("zones/AAA"))
}

func TestResumabilityFirstSync(t *testing.T) {
	mt := &MigrationTask{ProgressHistory: []PhaseEntry{{Phase: "sync", State: "running"}}}
	isFirst, mightResume := mt.Resumability()
	assert.True(t, isFirst)
	assert.False(t, mightResume)
}

func TestResumabilityAfterSuccess(t *testing.T) {
	// Oldest first: the prior attempt's final state, then the current
	// attempt's freshly appended "running" entry.
	mt := &MigrationTask{ProgressHistory: []PhaseEntry{
		{Phase: "sync", State: "success"},
		{Phase: "sync", State: "running"},
	}}
	isFirst, mightResume := mt.Resumability()
	assert.False(t, isFirst)
	assert.False(t, mightResume)
}

func TestResumabilityAfterFailure(t *testing.T) {
	mt := &MigrationTask{ProgressHistory: []PhaseEntry{
		{Phase: "sync", State: "running"},
		{Phase: "sync", State: "running"},
	}}
	isFirst, mightResume := mt.Resumability()
	assert.False(t, isFirst)
	assert.True(t, mightResume)
}

func TestResumabilityIgnoresWarningEntries(t *testing.T) {
	mt := &MigrationTask{ProgressHistory: []PhaseEntry{
		{Phase: "sync", State: "running"},
		{Phase: "sync", State: "warning"},
	}}
	isFirst, _ := mt.Resumability()
	assert.True(t, isFirst, "a warning entry must not count toward the qualifying set")
}

func TestPlannedSnapshotNames(t *testing.T) {
	mt := &MigrationTask{NumSyncPhases: 1}
	prev, next := mt.PlannedSnapshotNames()
	assert.Equal(t, "vm-migration-1", prev)
	assert.Equal(t, "vm-migration-2", next)
}

func TestSequenceNumber(t *testing.T) {
	n, ok := SequenceNumber("vm-migration-10")
	require.True(t, ok)
	assert.Equal(t, 10, n)

	_, ok = SequenceNumber("other-5")
	assert.False(t, ok)
}

func TestSortSnapshotNamesNumeric(t *testing.T) {
	names := []string{"vm-migration-10", "vm-migration-2"}
	SortSnapshotNames(names)
	assert.Equal(t, []string{"vm-migration-2", "vm-migration-10"}, names)
}

func TestIsMonotone(t *testing.T) {
	assert.True(t, IsMonotone([]string{"vm-migration-1", "vm-migration-2", "vm-migration-3"}))
	assert.False(t, IsMonotone([]string{"vm-migration-3", "vm-migration-1"}))
}
