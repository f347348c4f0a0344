package dir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

func newTestMeta(t *testing.T, dbUUID, dirUUID uuid.UUID) []byte {
	t.Helper()
	m := &Meta{DBUUID: dbUUID, DirUUID: dirUUID}
	buf, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf
}

func mkTestDir(t *testing.T, dbUUID, dirUUID uuid.UUID) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "meta"), newTestMeta(t, dbUUID, dirUUID), 0644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	return dir
}

// TestPoolOpenReadOnly exercises spec.md §4.2's opening protocol for a
// read-only config (no CurrentOpen): Closed -> OpeningStage1 -> Open, with
// Open idempotent afterward.
func TestPoolOpenReadOnly(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	p := New(Config{Path: dir, DBUUID: dbUUID, DirUUID: dirUUID}, zerolog.Nop())
	if err := p.Open(2); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := p.State(); got != StateOpen {
		t.Fatalf("state after open = %v, want Open", got)
	}
	if err := p.Open(2); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := p.State(); got != StateClosed {
		t.Fatalf("state after close = %v, want Closed", got)
	}
}

// TestPoolOpenForWriteTwoStage exercises the writable path: Closed ->
// OpeningStage1 -> OpenStage1, then CompleteOpenForWrite -> Open.
func TestPoolOpenForWriteTwoStage(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)
	current := &OpenRef{ID: 1, UUID: uuid.New()}

	p := New(Config{Path: dir, DBUUID: dbUUID, DirUUID: dirUUID, CurrentOpen: current}, zerolog.Nop())
	if err := p.Open(2); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := p.State(); got != StateOpenStage1 {
		t.Fatalf("state after open = %v, want OpenStage1", got)
	}
	if err := p.CompleteOpenForWrite(); err != nil {
		t.Fatalf("CompleteOpenForWrite: %v", err)
	}
	if got := p.State(); got != StateOpen {
		t.Fatalf("state after CompleteOpenForWrite = %v, want Open", got)
	}

	buf, err := os.ReadFile(filepath.Join(dir, "meta"))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	m, err := DecodeMeta(buf)
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if m.LastCompleteOpen == nil || *m.LastCompleteOpen != *current {
		t.Fatalf("meta last_complete_open = %+v, want %+v", m.LastCompleteOpen, current)
	}
	if m.InProgressOpen != nil {
		t.Fatalf("meta in_progress_open = %+v, want nil", m.InProgressOpen)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestPoolOpenUUIDMismatch verifies the meta validation step refuses to
// open when the config's db/dir uuids don't match the on-disk meta.
func TestPoolOpenUUIDMismatch(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	p := New(Config{Path: dir, DBUUID: uuid.New(), DirUUID: dirUUID}, zerolog.Nop())
	if err := p.Open(1); err == nil {
		t.Fatalf("Open succeeded with mismatched db_uuid, want error")
	}
	if got := p.State(); got != StateClosed {
		t.Fatalf("state after failed open = %v, want Closed", got)
	}
}

// TestWriteStreamLifecycle exercises CreateFile/Write/SyncAll/Close and
// verifies the file lands with the expected contents and that closing the
// stream allows the pool to close cleanly afterward.
func TestWriteStreamLifecycle(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	p := New(Config{Path: dir, DBUUID: dbUUID, DirUUID: dirUUID}, zerolog.Nop())
	if err := p.Open(2); err != nil {
		t.Fatalf("Open: %v", err)
	}

	id := recording.NewCompositeID(1, 1)
	ws, err := p.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ws.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ws.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, id.Filename()))
	if err != nil {
		t.Fatalf("read sample file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("sample file contents = %q, want %q", got, "hello")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestWriteStreamAbandon verifies Abandon unlinks the file and decrements
// the open-write-stream count so the pool can still close.
func TestWriteStreamAbandon(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	p := New(Config{Path: dir, DBUUID: dbUUID, DirUUID: dirUUID}, zerolog.Nop())
	if err := p.Open(1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	id := recording.NewCompositeID(1, 2)
	ws, err := p.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ws.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, id.Filename())); !os.IsNotExist(err) {
		t.Fatalf("abandoned file still exists, stat err = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestMarkDeletedRequiresEmptyDir verifies MarkDeleted refuses a directory
// that still holds sample files, matching spec.md §4.2.
func TestMarkDeletedRequiresEmptyDir(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	p := New(Config{Path: dir, DBUUID: dbUUID, DirUUID: dirUUID}, zerolog.Nop())
	if err := p.Open(1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	id := recording.NewCompositeID(1, 3)
	ws, err := p.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close write stream: %v", err)
	}

	if err := p.MarkDeleted(); err == nil {
		t.Fatalf("MarkDeleted succeeded with a sample file present, want error")
	}
	if got := p.State(); got != StateOpen {
		t.Fatalf("state after failed MarkDeleted = %v, want Open", got)
	}

	if err := p.Unlink(id); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := p.MarkDeleted(); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if got := p.State(); got != StateOpenStage1 {
		t.Fatalf("state after MarkDeleted = %v, want OpenStage1", got)
	}
}

// TestRunConsistencyCheck exercises the three report categories spec.md
// §4.2 lists: orphan files, stale garbage rows, and mismatched recording
// rows.
func TestRunConsistencyCheck(t *testing.T) {
	dbUUID, dirUUID := uuid.New(), uuid.New()
	dir := mkTestDir(t, dbUUID, dirUUID)

	good := recording.NewCompositeID(1, 1)
	wrongSize := recording.NewCompositeID(1, 2)
	missing := recording.NewCompositeID(1, 3)
	orphan := recording.NewCompositeID(1, 4)
	staleGarbage := recording.NewCompositeID(1, 5)

	for id, contents := range map[recording.CompositeID]string{
		good:      "12345",
		wrongSize: "12",
		orphan:    "x",
	} {
		if err := os.WriteFile(filepath.Join(dir, id.Filename()), []byte(contents), 0644); err != nil {
			t.Fatalf("seed file %s: %v", id.Filename(), err)
		}
	}

	expected := []ExpectedFile{
		{ID: good, ExpectedBytes: 5},
		{ID: wrongSize, ExpectedBytes: 5},
		{ID: missing, ExpectedBytes: 5},
	}
	garbage := []recording.CompositeID{staleGarbage}

	report, err := RunConsistencyCheck(dir, expected, garbage, CheckDeleteOrphanSampleFiles, true)
	if err != nil {
		t.Fatalf("RunConsistencyCheck: %v", err)
	}

	if len(report.OrphanFiles) != 1 || report.OrphanFiles[0] != orphan {
		t.Fatalf("OrphanFiles = %v, want [%v]", report.OrphanFiles, orphan)
	}
	if len(report.StaleGarbage) != 1 || report.StaleGarbage[0] != staleGarbage {
		t.Fatalf("StaleGarbage = %v, want [%v]", report.StaleGarbage, staleGarbage)
	}
	wantMismatched := map[recording.CompositeID]bool{wrongSize: true, missing: true}
	if len(report.Mismatched) != len(wantMismatched) {
		t.Fatalf("Mismatched = %v, want keys of %v", report.Mismatched, wantMismatched)
	}
	for _, id := range report.Mismatched {
		if !wantMismatched[id] {
			t.Fatalf("unexpected mismatched id %v", id)
		}
	}
}
