package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

type harness struct {
	database *db.Database
	pool     *dir.Pool
	syncer   *Syncer
	streamID int32
	entryID  int32
	dirID    int32
	dirPath  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	database, err := db.Open(db.Options{Path: filepath.Join(root, "db.sqlite3")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	dirPath := filepath.Join(root, "sample")
	sd, err := database.AddSampleFileDir(dirPath, [16]byte{})
	if err != nil {
		t.Fatalf("AddSampleFileDir: %v", err)
	}
	if err := dir.InitDir(dirPath, database.UUID(), sd.UUID); err != nil {
		t.Fatalf("InitDir: %v", err)
	}

	cam, err := database.AddCamera(db.Camera{ShortName: "front"})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	stream, err := database.AddStream(db.Stream{CameraID: cam.ID, Type: db.StreamMain, SampleFileDirID: &sd.ID, Record: true})
	if err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	entryID, err := database.GetOrCreateVideoSampleEntry(db.VideoSampleEntry{
		SHA1: [20]byte{1}, Width: 1280, Height: 720, RFC6381Codec: "avc1.4d401f", Data: []byte("avc1"),
	})
	if err != nil {
		t.Fatalf("GetOrCreateVideoSampleEntry: %v", err)
	}

	openID, _ := database.OpenID()
	pool := dir.New(dir.Config{
		Path:        dirPath,
		DBUUID:      database.UUID(),
		DirUUID:     sd.UUID,
		CurrentOpen: &dir.OpenRef{ID: openID, UUID: database.OpenUUID()},
	}, zerolog.Nop())
	if err := pool.Open(2); err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	if err := pool.CompleteOpenForWrite(); err != nil {
		t.Fatalf("CompleteOpenForWrite: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	syncer := NewSyncer(database, pool, sd.ID, zerolog.Nop())
	t.Cleanup(syncer.Close)

	return &harness{
		database: database,
		pool:     pool,
		syncer:   syncer,
		streamID: stream.ID,
		entryID:  entryID,
		dirID:    sd.ID,
		dirPath:  dirPath,
	}
}

// TestWriterSingleRecording writes one second of frames and closes,
// verifying the committed row, the sample file, and the decodable index.
func TestWriterSingleRecording(t *testing.T) {
	h := newHarness(t)
	w, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := recording.Time90k(90000 * 100)
	frame := []byte("frame-bytes")
	for i := 0; i < 30; i++ {
		pts := start + recording.Time90k(i*3000)
		if err := w.WriteSample(pts, i%10 == 0, frame, h.entryID); err != nil {
			t.Fatalf("WriteSample %d: %v", i, err)
		}
	}
	if err := w.Close(3000, "stream closed"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := h.database.ListRecordingsByID(h.streamID, 0, 10)
	if err != nil {
		t.Fatalf("ListRecordingsByID: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d recordings, want 1", len(recs))
	}
	r := recs[0]
	if r.VideoSamples != 30 || r.VideoSyncSamples != 3 {
		t.Errorf("samples = %d/%d, want 30/3", r.VideoSamples, r.VideoSyncSamples)
	}
	if r.WallDuration90k != 90000 {
		t.Errorf("wall duration = %d, want 90000", r.WallDuration90k)
	}
	if r.SampleFileBytes != int32(30*len(frame)) {
		t.Errorf("sample_file_bytes = %d, want %d", r.SampleFileBytes, 30*len(frame))
	}
	if r.EndReason != "stream closed" {
		t.Errorf("end_reason = %q", r.EndReason)
	}
	if r.Flags&db.RecordingFlagTrailingZero != 0 {
		t.Errorf("trailing-zero flag set despite known last duration")
	}

	fi, err := os.Stat(filepath.Join(h.dirPath, r.CompositeID.Filename()))
	if err != nil {
		t.Fatalf("stat sample file: %v", err)
	}
	if fi.Size() != int64(r.SampleFileBytes) {
		t.Errorf("file size %d != sample_file_bytes %d (I2)", fi.Size(), r.SampleFileBytes)
	}

	blob, err := h.database.RecordingPlaybackBlob(r.CompositeID)
	if err != nil {
		t.Fatalf("RecordingPlaybackBlob: %v", err)
	}
	it := recording.NewSampleIndexIterator(blob)
	samples, err := it.All()
	if err != nil {
		t.Fatalf("decode index: %v", err)
	}
	if len(samples) != 30 {
		t.Fatalf("index has %d samples, want 30", len(samples))
	}
	for i, s := range samples {
		if s.Duration90k != 3000 || s.Bytes != int32(len(frame)) || s.IsKey != (i%10 == 0) {
			t.Fatalf("sample %d = %+v", i, s)
		}
	}

	s, _ := h.database.Stream(h.streamID)
	if s.CumRecordings != 1 {
		t.Errorf("cum_recordings = %d, want 1 (I4)", s.CumRecordings)
	}
}

// TestWriterRotation verifies a recording is cut at a key frame past the
// rotate interval and the run continues (I5: run_offset increments, ids
// ascend, frame boundaries abut).
func TestWriterRotation(t *testing.T) {
	h := newHarness(t)
	w, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.RotateIntervalSec = 1

	start := recording.Time90k(90000 * 10)
	for i := 0; i < 60; i++ {
		pts := start + recording.Time90k(i*3000)
		if err := w.WriteSample(pts, i%30 == 0, []byte("f"), h.entryID); err != nil {
			t.Fatalf("WriteSample %d: %v", i, err)
		}
	}
	if err := w.Close(3000, "end"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := h.database.ListRecordingsByID(h.streamID, 0, 10)
	if err != nil {
		t.Fatalf("ListRecordingsByID: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d recordings, want 2", len(recs))
	}
	if recs[0].RunOffset != 0 || recs[1].RunOffset != 1 {
		t.Errorf("run offsets = %d,%d, want 0,1", recs[0].RunOffset, recs[1].RunOffset)
	}
	if recs[0].CompositeID.RecordingID() != 0 || recs[1].CompositeID.RecordingID() != 1 {
		t.Errorf("ids = %d,%d", recs[0].CompositeID.RecordingID(), recs[1].CompositeID.RecordingID())
	}
	wantBoundary := recs[0].StartTime90k + recording.Time90k(recs[0].WallDuration90k)
	if recs[1].StartTime90k != wantBoundary {
		t.Errorf("second recording starts at %d, want abutting %d", recs[1].StartTime90k, wantBoundary)
	}
	if recs[1].PrevMediaDuration90k != int64(recs[0].WallDuration90k) {
		t.Errorf("prev_media_duration = %d, want %d", recs[1].PrevMediaDuration90k, recs[0].WallDuration90k)
	}
}

// TestWriterTrailingZero verifies Close with an unknown final duration
// sets the trailing-zero flag (I6's precondition).
func TestWriterTrailingZero(t *testing.T) {
	h := newHarness(t)
	w, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.WriteSample(90000, true, []byte("only"), h.entryID); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := w.Close(0, "connection dropped"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, err := h.database.ListRecordingsByID(h.streamID, 0, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListRecordingsByID: %v (%d rows)", err, len(recs))
	}
	if recs[0].Flags&db.RecordingFlagTrailingZero == 0 {
		t.Error("trailing-zero flag not set")
	}
}

// TestCrashRecoveryReusesUncommittedID is spec.md §8's scenario 5: a
// sample file whose recording row was never committed (crash between the
// fsync and the index commit) is detected on restart, moved to garbage,
// and unlinked; cum_recordings is unchanged, so the next recording
// reuses the never-committed id.
func TestCrashRecoveryReusesUncommittedID(t *testing.T) {
	h := newHarness(t)
	w, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.WriteSample(90000, true, []byte("committed"), h.entryID); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := w.Close(3000, "end"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate the crash: id 1's file exists on disk with no row.
	orphanID := recording.NewCompositeID(h.streamID, 1)
	orphanPath := filepath.Join(h.dirPath, orphanID.Filename())
	if err := os.WriteFile(orphanPath, []byte("uncommitted"), 0644); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	report, err := h.database.CheckDir(h.dirID, h.dirPath, db.CheckOptions{
		Action:           dir.CheckDeleteOrphanSampleFiles,
		SizeCheckEnabled: true,
	})
	if err != nil {
		t.Fatalf("CheckDir: %v", err)
	}
	if len(report.OrphanFiles) != 1 || report.OrphanFiles[0] != orphanID {
		t.Fatalf("OrphanFiles = %v, want [%v]", report.OrphanFiles, orphanID)
	}
	if err := h.syncer.CollectGarbageNow(); err != nil {
		t.Fatalf("CollectGarbageNow: %v", err)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("orphan file still present (err=%v)", err)
	}
	ids, _ := h.database.ListGarbageIds(h.dirID)
	if len(ids) != 0 {
		t.Fatalf("garbage rows remain: %v", ids)
	}

	s, _ := h.database.Stream(h.streamID)
	if s.CumRecordings != 1 {
		t.Fatalf("cum_recordings = %d, want 1 (unchanged by crash recovery)", s.CumRecordings)
	}

	// A fresh writer reuses the never-committed id 1.
	w2, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if err := w2.WriteSample(180000, true, []byte("next"), h.entryID); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := w2.Close(3000, "end"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, _ := h.database.ListRecordingsByID(h.streamID, 1, 2)
	if len(recs) != 1 || recs[0].CompositeID != orphanID {
		t.Fatalf("restart recording = %v, want id %v", recs, orphanID)
	}
}

// TestRetentionMovesOldest verifies the retention pass deletes oldest
// recordings first until under budget, and the syncer unlinks the files.
func TestRetentionMovesOldest(t *testing.T) {
	h := newHarness(t)
	w, err := New(h.database, h.pool, h.syncer, h.streamID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.RotateIntervalSec = 1

	// Three ~1s recordings of 10 bytes each.
	start := recording.Time90k(90000)
	for i := 0; i < 30; i++ {
		pts := start + recording.Time90k(i*9000)
		if err := w.WriteSample(pts, i%10 == 0, []byte("x"), h.entryID); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if err := w.Close(9000, "end"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, _ := h.database.ListRecordingsByID(h.streamID, 0, 100)
	if len(recs) != 3 {
		t.Fatalf("setup made %d recordings, want 3", len(recs))
	}

	// Budget of 25 bytes forces exactly the oldest recording (10 bytes) out.
	if err := h.database.SetStreamRetainBytes(h.streamID, 25); err != nil {
		t.Fatalf("SetStreamRetainBytes: %v", err)
	}
	ret := NewRetention(h.database, map[int32]*Syncer{h.dirID: h.syncer}, 1e9, zerolog.Nop())
	defer ret.Close()
	if err := ret.EnforceNow(); err != nil {
		t.Fatalf("EnforceNow: %v", err)
	}

	after, _ := h.database.ListRecordingsByID(h.streamID, 0, 100)
	if len(after) != 2 {
		t.Fatalf("%d recordings remain, want 2", len(after))
	}
	if after[0].CompositeID.RecordingID() != 1 {
		t.Errorf("oldest remaining id = %d, want 1", after[0].CompositeID.RecordingID())
	}

	// The syncer's unlink is asynchronous; force completion.
	if err := h.syncer.CollectGarbageNow(); err != nil {
		t.Fatalf("CollectGarbageNow: %v", err)
	}
	ids, err := h.database.ListGarbageIds(h.dirID)
	if err != nil {
		t.Fatalf("ListGarbageIds: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("garbage rows remain: %v", ids)
	}
	if _, err := os.Stat(filepath.Join(h.dirPath, recording.NewCompositeID(h.streamID, 0).Filename())); !os.IsNotExist(err) {
		t.Errorf("deleted recording's file still present (err=%v)", err)
	}
}
