// Package task holds the data model the sync orchestrator and dataset
// pipeline operate on: the migration task handed down by the parent
// supervisor, its progress history, and the VM-brand rules for deriving
// the set of ZFS datasets that make up a VM.
package task

import (
	"sort"
	"strconv"
	"strings"
)

// SnapshotPrefix is the short-name prefix that marks a snapshot as
// belonging to the migration bookkeeping scheme. Only snapshots matching
// this prefix are considered by the pipeline.
const SnapshotPrefix = "vm-migration-"

// PhaseEntry is one entry in a MigrationTask's progress history: a past
// phase transition tagged with its phase name and terminal state.
type PhaseEntry struct {
	Phase string `json:"phase"`
	State string `json:"state"`
}

// Disk describes one auxiliary disk belonging to a VM.
type Disk struct {
	ZFSFilesystem string `json:"zfs_filesystem"`
}

// VM is the subset of the VM description the supervisor hands the worker
// that the dataset-enumeration logic needs.
type VM struct {
	ZFSFilesystem string `json:"zfs_filesystem"`
	Brand         string `json:"brand"`
	Disks         []Disk `json:"disks,omitempty"`
}

// independentRootBrands lists VM brands whose auxiliary disks live on
// independent filesystem roots rather than as children of the VM's root
// dataset. KVM-family brands provision one zvol per disk; BHYVE and the
// zone brands keep disks as children of the root and are covered by
// recursive snapshot/send of the root alone.
var independentRootBrands = map[string]bool{
	"kvm": true,
}

// HasIndependentDiskRoots reports whether the VM's brand places auxiliary
// disks on independent dataset roots (true) or as children of the VM's
// root dataset, covered by recursive send (false).
func HasIndependentDiskRoots(brand string) bool {
	return independentRootBrands[strings.ToLower(brand)]
}

// Datasets returns the dataset names that make up this VM, in lexical
// order: the root dataset is always included; if the brand places disks
// on independent roots, each disk's dataset is added as a peer;
// otherwise the root alone is returned (its children are covered by
// recursive snapshot and send).
func (vm VM) Datasets() []string {
	names := []string{vm.ZFSFilesystem}
	if HasIndependentDiskRoots(vm.Brand) {
		for _, d := range vm.Disks {
			names = append(names, d.ZFSFilesystem)
		}
	}
	sort.Strings(names)
	return names
}

// MigrationTask is the input handed to the worker by the parent supervisor
// for the duration of one sync command. It is immutable except for
// NumSyncPhases, which the pipeline advances when a snapshot-name
// collision forces it to skip forward.
type MigrationTask struct {
	SourceVMUUID   string       `json:"source_vm_uuid"`
	TargetVMUUID   string       `json:"target_vm_uuid"`
	Datasets       []string     `json:"datasets"`
	Brand          string       `json:"brand"`
	ProgressHistory []PhaseEntry `json:"progress_history"`
	NumSyncPhases  int          `json:"num_sync_phases"`
}

// TargetName maps a source dataset name to the name the receiver should
// use: if the source and target VM identifiers differ, the source
// identifier substring is replaced by the target identifier; otherwise
// the name is used verbatim.
func (t *MigrationTask) TargetName(sourceName string) string {
	if t.SourceVMUUID == "" || t.TargetVMUUID == "" || t.SourceVMUUID == t.TargetVMUUID {
		return sourceName
	}
	return strings.ReplaceAll(sourceName, t.SourceVMUUID, t.TargetVMUUID)
}

// syncPhaseEntries filters the progress history down to "sync" phase
// entries, excluding the "warning" state.
func (t *MigrationTask) syncPhaseEntries() []PhaseEntry {
	var out []PhaseEntry
	for _, e := range t.ProgressHistory {
		if e.Phase != "sync" {
			continue
		}
		if e.State == "warning" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Resumability reports whether this is the dataset's first sync, and, if
// not, whether the previous attempt should be treated as a failed
// in-flight sync that may be resumable via a receiver-held token. With
// exactly one qualifying entry, this is the first sync; otherwise the
// second-to-last entry's state decides whether the prior attempt needs
// resuming.
func (t *MigrationTask) Resumability() (isFirstSync, mightResume bool) {
	entries := t.syncPhaseEntries()
	if len(entries) <= 1 {
		return true, false
	}
	secondToLast := entries[len(entries)-2]
	return false, secondToLast.State != "success"
}

// PlannedSnapshotNames returns the previous- and new-sequence migration
// snapshot short names implied by NumSyncPhases.
func (t *MigrationTask) PlannedSnapshotNames() (prev, next string) {
	return SnapshotPrefix + strconv.Itoa(t.NumSyncPhases), SnapshotPrefix + strconv.Itoa(t.NumSyncPhases+1)
}

// AdvancePhase bumps NumSyncPhases by one, used when the planned "next"
// snapshot name already exists on the target and the sender must skip
// forward to find an unused name.
func (t *MigrationTask) AdvancePhase() {
	t.NumSyncPhases++
}

// SequenceNumber extracts the numeric suffix N from a migration snapshot
// short name of the form "<prefix>N". Returns ok=false if the name does
// not carry the migration prefix or the suffix is not a positive integer.
func SequenceNumber(shortName string) (n int, ok bool) {
	if !strings.HasPrefix(shortName, SnapshotPrefix) {
		return 0, false
	}
	suffix := strings.TrimPrefix(shortName, SnapshotPrefix)
	v, err := strconv.Atoi(suffix)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// SortSnapshotNames sorts migration snapshot short names numerically on
// their embedded sequence number, ascending. Names that don't match the
// migration naming scheme sort last, in their original relative order,
// and are never expected in well-formed input.
func SortSnapshotNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, oki := SequenceNumber(names[i])
		nj, okj := SequenceNumber(names[j])
		if oki && okj {
			return ni < nj
		}
		if oki != okj {
			return oki
		}
		return false
	})
}

// IsMonotone reports whether a list of migration snapshot short names is
// sorted by strictly increasing sequence number. Used to flag anomalous
// receiver-reported snapshot lists without treating them as an error.
func IsMonotone(names []string) bool {
	last := -1
	for _, n := range names {
		seq, ok := SequenceNumber(n)
		if !ok {
			continue
		}
		if seq <= last {
			return false
		}
		last = seq
	}
	return true
}
