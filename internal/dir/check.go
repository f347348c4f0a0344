package dir

import (
	"os"

	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// CheckAction selects what RunConsistencyCheck does with a recording row
// whose sample file is missing or the wrong size, per spec.md §4.2's
// "Consistency check" paragraph and SPEC_FULL.md's "configurable
// consistency-check actions" supplement (grounded in the original's
// server/db/check.rs, which offers exactly these three dispositions).
type CheckAction int

const (
	// CheckLog reports the mismatch but changes nothing.
	CheckLog CheckAction = iota
	// CheckDelete removes the recording row and adds a garbage row for
	// its id, so the syncer unlinks whatever file (if any) exists under
	// that id on its next pass. Orphan files are left alone.
	CheckDelete
	// CheckDeleteOrphanSampleFiles does what CheckDelete does and also
	// adds a garbage row for every orphan file, so those are unlinked too.
	CheckDeleteOrphanSampleFiles
)

// ExpectedFile is what the index believes should exist on disk for one
// recording row: its id and its sample_file_bytes.
type ExpectedFile struct {
	ID            recording.CompositeID
	ExpectedBytes int64
}

// Report is the result of one directory's consistency check.
type Report struct {
	// OrphanFiles are on-disk files that parse as a composite id but
	// match neither a recording row nor a garbage row (I1's violation
	// case). Only CheckDeleteOrphanSampleFiles acts on them.
	OrphanFiles []recording.CompositeID
	// StaleGarbage are garbage rows whose file is already absent: safe
	// to drop immediately (I3).
	StaleGarbage []recording.CompositeID
	// Mismatched are recording rows whose file is missing or the wrong
	// size; Action says what the caller should do about them.
	Mismatched []recording.CompositeID
	Action     CheckAction
}

// RunConsistencyCheck lists dirPath and compares it against the index's
// view of the directory (expected recording rows and garbage ids),
// per spec.md §4.2. It only reads the filesystem: it returns a Report for
// the caller (internal/db) to apply, since index mutation is the
// database's responsibility, not the directory pool's.
func RunConsistencyCheck(dirPath string, expected []ExpectedFile, garbage []recording.CompositeID, action CheckAction, sizeCheckEnabled bool) (*Report, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	onDisk := make(map[recording.CompositeID]int64, len(entries))
	for _, e := range entries {
		if e.Name() == "meta" {
			continue
		}
		id, ok := recording.ParseCompositeID(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		onDisk[id] = info.Size()
	}

	expectedByID := make(map[recording.CompositeID]int64, len(expected))
	for _, e := range expected {
		expectedByID[e.ID] = e.ExpectedBytes
	}
	garbageSet := make(map[recording.CompositeID]bool, len(garbage))
	for _, id := range garbage {
		garbageSet[id] = true
	}

	report := &Report{Action: action}

	for id, size := range onDisk {
		_, isExpected := expectedByID[id]
		if !isExpected && !garbageSet[id] {
			report.OrphanFiles = append(report.OrphanFiles, id)
		}
		_ = size
	}

	for id := range garbageSet {
		if _, ok := onDisk[id]; !ok {
			report.StaleGarbage = append(report.StaleGarbage, id)
		}
	}

	for _, e := range expected {
		size, present := onDisk[e.ID]
		if !present || (sizeCheckEnabled && size != e.ExpectedBytes) {
			report.Mismatched = append(report.Mismatched, e.ID)
		}
	}

	return report, nil
}
