package db

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

func mustOpen(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	d, err := Open(Options{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedStreamAndEntry(t *testing.T, d *Database) (streamID int32, entryID int32) {
	t.Helper()
	var cameraUUID [16]byte
	res, err := d.sqlDB.Exec(`INSERT INTO camera (uuid, short_name) VALUES (?, ?)`, cameraUUID[:], "front")
	if err != nil {
		t.Fatalf("insert camera: %v", err)
	}
	cameraID, _ := res.LastInsertId()

	res, err = d.sqlDB.Exec(`INSERT INTO stream (camera_id, type, retain_bytes) VALUES (?, 'main', 1000000)`, cameraID)
	if err != nil {
		t.Fatalf("insert stream: %v", err)
	}
	sid, _ := res.LastInsertId()
	d.streams[int32(sid)] = &Stream{ID: int32(sid), CameraID: int32(cameraID), Type: StreamMain}

	id, err := d.GetOrCreateVideoSampleEntry(VideoSampleEntry{
		SHA1: [20]byte{1, 2, 3}, Width: 1920, Height: 1080, RFC6381Codec: "avc1.640028", Data: []byte("sps/pps"),
	})
	if err != nil {
		t.Fatalf("GetOrCreateVideoSampleEntry: %v", err)
	}
	return int32(sid), id
}

// TestOpenCreatesSchema verifies a fresh path gets the schema and an
// open id (the database is opened writable by default).
func TestOpenCreatesSchema(t *testing.T) {
	d := mustOpen(t)
	if _, ok := d.OpenID(); !ok {
		t.Fatalf("OpenID() ok = false, want true for a writable open")
	}
}

// TestGetOrCreateVideoSampleEntryDedupes verifies entries are
// deduplicated by sha1, per spec.md §3.
func TestGetOrCreateVideoSampleEntryDedupes(t *testing.T) {
	d := mustOpen(t)
	e := VideoSampleEntry{SHA1: [20]byte{9}, Width: 640, Height: 480, RFC6381Codec: "avc1.42001e", Data: []byte("x")}
	id1, err := d.GetOrCreateVideoSampleEntry(e)
	if err != nil {
		t.Fatalf("first GetOrCreateVideoSampleEntry: %v", err)
	}
	id2, err := d.GetOrCreateVideoSampleEntry(e)
	if err != nil {
		t.Fatalf("second GetOrCreateVideoSampleEntry: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %d != %d, want dedup", id1, id2)
	}
}

// TestCommitRecordingUpdatesStreamCounters verifies CommitRecording bumps
// cum_recordings/cum_media_duration_90k/cum_runs in the same transaction,
// per spec.md §5's crash-safety ordering.
func TestCommitRecordingUpdatesStreamCounters(t *testing.T) {
	d := mustOpen(t)
	streamID, entryID := seedStreamAndEntry(t, d)
	openID, _ := d.OpenID()

	id := recording.NewCompositeID(streamID, 0)
	r := Recording{
		CompositeID:        id,
		StreamID:           streamID,
		OpenID:             openID,
		RunOffset:          0,
		StartTime90k:       recording.Time90k(1000),
		WallDuration90k:    90000,
		VideoSamples:       30,
		VideoSyncSamples:   1,
		SampleFileBytes:    12345,
		VideoSampleEntryID: entryID,
	}
	if err := d.CommitRecording(r, []byte{0x01, 0x02}, nil); err != nil {
		t.Fatalf("CommitRecording: %v", err)
	}

	s, ok := d.Stream(streamID)
	if !ok {
		t.Fatalf("Stream(%d) not found", streamID)
	}
	if s.CumRecordings != 1 {
		t.Fatalf("CumRecordings = %d, want 1", s.CumRecordings)
	}
	if s.CumMediaDuration90k != 90000 {
		t.Fatalf("CumMediaDuration90k = %d, want 90000", s.CumMediaDuration90k)
	}
	if s.CumRuns != 1 {
		t.Fatalf("CumRuns = %d, want 1", s.CumRuns)
	}

	recs, err := d.ListRecordingsByTime(streamID, 0, 200000)
	if err != nil {
		t.Fatalf("ListRecordingsByTime: %v", err)
	}
	if len(recs) != 1 || recs[0].CompositeID != id {
		t.Fatalf("ListRecordingsByTime = %+v, want one row with id %v", recs, id)
	}

	blob, err := d.RecordingPlaybackBlob(id)
	if err != nil {
		t.Fatalf("RecordingPlaybackBlob: %v", err)
	}
	if len(blob) != 2 {
		t.Fatalf("RecordingPlaybackBlob = %v, want 2 bytes", blob)
	}
}

// TestListAggregatedRecordings verifies run grouping per invariant I5
// and the split_duration coalescing bound of spec.md §4.3.
func TestListAggregatedRecordings(t *testing.T) {
	d := mustOpen(t)
	streamID, entryID := seedStreamAndEntry(t, d)
	openID, _ := d.OpenID()

	// Recordings 0..2 form one run; 3 starts a new run after a gap.
	starts := []recording.Time90k{0, 90000, 180000, 400000}
	runOffsets := []int32{0, 1, 2, 0}
	for i := range starts {
		r := Recording{
			CompositeID:        recording.NewCompositeID(streamID, int32(i)),
			StreamID:           streamID,
			OpenID:             openID,
			RunOffset:          runOffsets[i],
			StartTime90k:       starts[i],
			WallDuration90k:    90000,
			VideoSamples:       30,
			VideoSyncSamples:   3,
			SampleFileBytes:    100,
			VideoSampleEntryID: entryID,
		}
		if err := d.CommitRecording(r, []byte{0x00}, nil); err != nil {
			t.Fatalf("CommitRecording %d: %v", i, err)
		}
	}

	aggs, err := d.ListAggregatedRecordings(streamID, 0, 1<<40, 0)
	if err != nil {
		t.Fatalf("ListAggregatedRecordings: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("got %d rows, want 2 (one per run): %+v", len(aggs), aggs)
	}
	if aggs[0].FirstCompositeID.RecordingID() != 0 || aggs[0].LastCompositeID.RecordingID() != 2 {
		t.Fatalf("first run = [%d, %d], want [0, 2]",
			aggs[0].FirstCompositeID.RecordingID(), aggs[0].LastCompositeID.RecordingID())
	}
	if aggs[0].SampleFileBytes != 300 {
		t.Fatalf("first run bytes = %d, want 300", aggs[0].SampleFileBytes)
	}

	// A 2-second split cuts the 3-recording run after the second row.
	aggs, err = d.ListAggregatedRecordings(streamID, 0, 1<<40, 2*90000)
	if err != nil {
		t.Fatalf("ListAggregatedRecordings with split: %v", err)
	}
	if len(aggs) != 3 {
		t.Fatalf("got %d rows with split, want 3: %+v", len(aggs), aggs)
	}
}

// TestMoveToGarbageThenDeleteGarbageRows exercises the retention
// transaction and the syncer's follow-up row removal (spec.md §4.4/I3).
func TestMoveToGarbageThenDeleteGarbageRows(t *testing.T) {
	d := mustOpen(t)
	streamID, entryID := seedStreamAndEntry(t, d)
	openID, _ := d.OpenID()
	dirRes, err := d.sqlDB.Exec(`INSERT INTO sample_file_dir (uuid, path) VALUES (?, ?)`, make([]byte, 16), "/tmp/x")
	if err != nil {
		t.Fatalf("insert dir: %v", err)
	}
	dirID64, _ := dirRes.LastInsertId()
	dirID := int32(dirID64)

	id := recording.NewCompositeID(streamID, 0)
	r := Recording{CompositeID: id, StreamID: streamID, OpenID: openID, VideoSampleEntryID: entryID, SampleFileBytes: 10}
	if err := d.CommitRecording(r, []byte{0x00}, nil); err != nil {
		t.Fatalf("CommitRecording: %v", err)
	}

	if err := d.MoveToGarbage(dirID, []recording.CompositeID{id}); err != nil {
		t.Fatalf("MoveToGarbage: %v", err)
	}

	ids, err := d.ListGarbageIds(dirID)
	if err != nil {
		t.Fatalf("ListGarbageIds: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("ListGarbageIds = %v, want [%v]", ids, id)
	}

	recs, err := d.ListRecordingsByTime(streamID, 0, 1<<40)
	if err != nil {
		t.Fatalf("ListRecordingsByTime: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("recording row still present after MoveToGarbage: %+v", recs)
	}

	if err := d.DeleteGarbageRows(dirID, ids); err != nil {
		t.Fatalf("DeleteGarbageRows: %v", err)
	}
	ids, err = d.ListGarbageIds(dirID)
	if err != nil {
		t.Fatalf("ListGarbageIds after delete: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ListGarbageIds after delete = %v, want none", ids)
	}
}

// TestFlushWritesDirtyUser verifies Flush writes a dirty user row and
// clears the dirty user set.
func TestFlushWritesDirtyUser(t *testing.T) {
	d := mustOpen(t)
	res, err := d.sqlDB.Exec(`INSERT INTO user (username) VALUES (?)`, "alice")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	uid64, _ := res.LastInsertId()
	uid := int32(uid64)
	d.users[uid] = &User{ID: uid, Username: "alice"}

	u := *d.users[uid]
	u.PasswordFailureCount = 3
	d.MarkUserDirty(u)

	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var count int64
	if err := d.sqlDB.QueryRow(`SELECT password_failure_count FROM user WHERE id = ?`, uid).Scan(&count); err != nil {
		t.Fatalf("query password_failure_count: %v", err)
	}
	if count != 3 {
		t.Fatalf("password_failure_count = %d, want 3", count)
	}
	if len(d.dirtyUsers) != 0 {
		t.Fatalf("dirtyUsers not cleared after Flush: %v", d.dirtyUsers)
	}
}
