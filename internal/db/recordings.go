package db

import (
	"database/sql"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// ListRecordingsByTime returns every recording row for streamID whose
// range overlaps [start, end), ordered by start time, for playback and
// for the consistency check. The query widens the low end by the maximum
// recording duration so the (stream_id, start_time_90k) index alone finds
// recordings that started before the range but extend into it (spec.md
// §4.3).
func (d *Database) ListRecordingsByTime(streamID int32, start, end recording.Time90k) ([]Recording, error) {
	widenedStart := start - recording.MaxRecordingWallDuration90k
	rows, err := d.sqlDB.Query(
		`SELECT composite_id, stream_id, open_id, run_offset, flags, start_time_90k,
		        wall_duration_90k, media_duration_delta_90k, video_samples,
		        video_sync_samples, sample_file_bytes, video_sample_entry_id,
		        prev_media_duration_90k, prev_runs, end_reason
		 FROM recording
		 WHERE stream_id = ? AND start_time_90k >= ? AND start_time_90k < ?
		   AND start_time_90k + wall_duration_90k > ?
		 ORDER BY start_time_90k`,
		streamID, int64(widenedStart), int64(end), int64(start))
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.ListRecordingsByTime", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ListRecordingsByID returns every recording row for streamID with
// recording id in [startRecID, endRecID), ascending by composite id; the
// view.mp4 handler uses it to resolve a segment's id range.
func (d *Database) ListRecordingsByID(streamID int32, startRecID, endRecID int32) ([]Recording, error) {
	start := recording.NewCompositeID(streamID, startRecID)
	end := recording.NewCompositeID(streamID, endRecID)
	rows, err := d.sqlDB.Query(
		`SELECT composite_id, stream_id, open_id, run_offset, flags, start_time_90k,
		        wall_duration_90k, media_duration_delta_90k, video_samples,
		        video_sync_samples, sample_file_bytes, video_sample_entry_id,
		        prev_media_duration_90k, prev_runs, end_reason
		 FROM recording
		 WHERE composite_id >= ? AND composite_id < ?
		 ORDER BY composite_id`,
		int64(start), int64(end))
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.ListRecordingsByID", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// AggregatedRecording summarizes a contiguous run of recordings the way
// the web UI's recording list wants them: one row per run rather than per
// 5-minute segment.
type AggregatedRecording struct {
	FirstCompositeID recording.CompositeID
	LastCompositeID  recording.CompositeID
	RunStartID       int32
	StartTime90k     recording.Time90k
	EndTime90k       recording.Time90k
	SampleFileBytes  int64
	VideoSamples     int64
	VideoSampleEntryID int32
}

// ListAggregatedRecordings groups ListRecordingsByTime's result into runs,
// per spec.md §3's invariant (I5): a run is a maximal sequence of
// recordings whose run_offset increments by 1 with no gap. Consecutive
// recordings coalesce into one row only while the row's combined wall
// duration stays below splitDuration (zero means never split).
func (d *Database) ListAggregatedRecordings(streamID int32, start, end, splitDuration recording.Time90k) ([]AggregatedRecording, error) {
	recs, err := d.ListRecordingsByTime(streamID, start, end)
	if err != nil {
		return nil, err
	}
	var out []AggregatedRecording
	for _, r := range recs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			contiguous := last.LastCompositeID.RecordingID()+1 == r.CompositeID.RecordingID() &&
				r.RunOffset == (last.LastCompositeID.RecordingID()-last.RunStartID)+1
			if contiguous && splitDuration > 0 && last.EndTime90k-last.StartTime90k >= splitDuration {
				contiguous = false
			}
			if contiguous {
				last.LastCompositeID = r.CompositeID
				last.EndTime90k = r.StartTime90k + recording.Time90k(r.WallDuration90k)
				last.SampleFileBytes += int64(r.SampleFileBytes)
				last.VideoSamples += int64(r.VideoSamples)
				continue
			}
		}
		out = append(out, AggregatedRecording{
			FirstCompositeID:   r.CompositeID,
			LastCompositeID:    r.CompositeID,
			RunStartID:         r.CompositeID.RecordingID() - r.RunOffset,
			StartTime90k:       r.StartTime90k,
			EndTime90k:         r.StartTime90k + recording.Time90k(r.WallDuration90k),
			SampleFileBytes:    int64(r.SampleFileBytes),
			VideoSamples:       int64(r.VideoSamples),
			VideoSampleEntryID: r.VideoSampleEntryID,
		})
	}
	return out, nil
}

// ListOldestRecordings returns up to limit recordings for streamID in
// ascending composite-id order starting at startCompositeID, for the
// retention loop (spec.md §4.4: "list_oldest_recordings(start=stream_id<<32)").
func (d *Database) ListOldestRecordings(startCompositeID recording.CompositeID, limit int) ([]Recording, error) {
	rows, err := d.sqlDB.Query(
		`SELECT composite_id, stream_id, open_id, run_offset, flags, start_time_90k,
		        wall_duration_90k, media_duration_delta_90k, video_samples,
		        video_sync_samples, sample_file_bytes, video_sample_entry_id,
		        prev_media_duration_90k, prev_runs, end_reason
		 FROM recording
		 WHERE composite_id >= ? AND stream_id = ?
		 ORDER BY composite_id
		 LIMIT ?`,
		int64(startCompositeID), startCompositeID.StreamID(), limit)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.ListOldestRecordings", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

func scanRecordings(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]Recording, error) {
	var out []Recording
	for rows.Next() {
		var r Recording
		var compositeID, startTime int64
		if err := rows.Scan(&compositeID, &r.StreamID, &r.OpenID, &r.RunOffset, &r.Flags,
			&startTime, &r.WallDuration90k, &r.MediaDurationDelta90k, &r.VideoSamples,
			&r.VideoSyncSamples, &r.SampleFileBytes, &r.VideoSampleEntryID,
			&r.PrevMediaDuration90k, &r.PrevRuns, &r.EndReason); err != nil {
			return nil, nvrerrors.New(nvrerrors.Internal, "db.scanRecordings", err)
		}
		r.CompositeID = recording.CompositeID(compositeID)
		r.StartTime90k = recording.Time90k(startTime)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.scanRecordings", err)
	}
	return out, nil
}

// CommitRecording implements spec.md §4.4's crash-safety ordering step
// (d)+(e): it inserts the recording, recording_playback, and (if present)
// recording_integrity rows, and bumps the owning stream's cumulative
// counters, all in one transaction. The caller (the syncer) must already
// have fsynced the sample file and its directory before calling this.
func (d *Database) CommitRecording(r Recording, videoIndex []byte, integrity *RecordingIntegrity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO recording (composite_id, stream_id, open_id, run_offset, flags,
		start_time_90k, wall_duration_90k, media_duration_delta_90k, video_samples,
		video_sync_samples, sample_file_bytes, video_sample_entry_id,
		prev_media_duration_90k, prev_runs, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.CompositeID), r.StreamID, r.OpenID, r.RunOffset, r.Flags,
		int64(r.StartTime90k), r.WallDuration90k, r.MediaDurationDelta90k, r.VideoSamples,
		r.VideoSyncSamples, r.SampleFileBytes, r.VideoSampleEntryID,
		r.PrevMediaDuration90k, r.PrevRuns, r.EndReason)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
	}

	_, err = tx.Exec(`INSERT INTO recording_playback (composite_id, video_index) VALUES (?, ?)`,
		int64(r.CompositeID), videoIndex)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
	}

	if integrity != nil {
		_, err = tx.Exec(`INSERT INTO recording_integrity (composite_id, local_time_delta_90k, sample_file_blake3) VALUES (?, ?, ?)`,
			int64(r.CompositeID), integrity.LocalTimeDelta90k, integrity.SampleFileBlake3)
		if err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
		}
	}

	_, err = tx.Exec(`UPDATE stream SET cum_recordings = ?, cum_media_duration_90k = cum_media_duration_90k + ?, cum_runs = cum_runs + ? WHERE id = ?`,
		r.CompositeID.RecordingID()+1, r.MediaDuration90k(), boolToInt(r.RunOffset == 0), r.StreamID)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
	}

	if err := tx.Commit(); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.CommitRecording", err)
	}

	if s, ok := d.streams[r.StreamID]; ok {
		s.CumRecordings = r.CompositeID.RecordingID() + 1
		s.CumMediaDuration90k += r.MediaDuration90k()
		if r.RunOffset == 0 {
			s.CumRuns++
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordingIntegrity is the optional best-effort integrity row of
// spec.md §3.
type RecordingIntegrity struct {
	LocalTimeDelta90k *int64
	SampleFileBlake3  []byte
}

// MoveToGarbage implements the retention loop's transaction (spec.md
// §4.4): it deletes the given recordings from recording/recording_playback
// /recording_integrity and inserts a garbage row for each, in one
// transaction, leaving actual unlinking to the syncer.
func (d *Database) MoveToGarbage(dirID int32, ids []recording.CompositeID) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.MoveToGarbage", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM recording_playback WHERE composite_id = ?`, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.MoveToGarbage", err)
		}
		if _, err := tx.Exec(`DELETE FROM recording_integrity WHERE composite_id = ?`, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.MoveToGarbage", err)
		}
		if _, err := tx.Exec(`DELETE FROM recording WHERE composite_id = ?`, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.MoveToGarbage", err)
		}
		if _, err := tx.Exec(`INSERT INTO garbage (sample_file_dir_id, composite_id) VALUES (?, ?)`, dirID, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.MoveToGarbage", err)
		}
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.MoveToGarbage", tx.Commit())
}

// InsertGarbageRows adds garbage rows for sample files discovered on
// disk with no recording row (the consistency check's orphan case, I1):
// once the row exists, the syncer's normal unlink path reclaims the file.
func (d *Database) InsertGarbageRows(dirID int32, ids []recording.CompositeID) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.InsertGarbageRows", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO garbage (sample_file_dir_id, composite_id) VALUES (?, ?)`, dirID, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.InsertGarbageRows", err)
		}
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.InsertGarbageRows", tx.Commit())
}

// ListGarbageIds returns every composite id awaiting unlink for dirID
// (SPEC_FULL.md's "list_garbage + explicit GC trigger" supplement).
func (d *Database) ListGarbageIds(dirID int32) ([]recording.CompositeID, error) {
	rows, err := d.sqlDB.Query(`SELECT composite_id FROM garbage WHERE sample_file_dir_id = ?`, dirID)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.ListGarbageIds", err)
	}
	defer rows.Close()
	var out []recording.CompositeID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, nvrerrors.New(nvrerrors.Internal, "db.ListGarbageIds", err)
		}
		out = append(out, recording.CompositeID(id))
	}
	return out, nvrerrors.Wrap(nvrerrors.Internal, "db.ListGarbageIds", rows.Err())
}

// DeleteGarbageRows removes garbage rows for ids that the syncer has
// confirmed unlinked (spec.md §4.4: "row removed only after a successful
// unlink + directory fsync").
func (d *Database) DeleteGarbageRows(dirID int32, ids []recording.CompositeID) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteGarbageRows", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM garbage WHERE sample_file_dir_id = ? AND composite_id = ?`, dirID, int64(id)); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.DeleteGarbageRows", err)
		}
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.DeleteGarbageRows", tx.Commit())
}

// StreamSampleFileBytes sums the committed recordings' sample file sizes
// for one stream, for the retention loop's budget comparison.
func (d *Database) StreamSampleFileBytes(streamID int32) (int64, error) {
	var total sql.NullInt64
	err := d.sqlDB.QueryRow(`SELECT sum(sample_file_bytes) FROM recording WHERE stream_id = ?`, streamID).Scan(&total)
	if err != nil {
		return 0, nvrerrors.New(nvrerrors.Internal, "db.StreamSampleFileBytes", err)
	}
	return total.Int64, nil
}

// RecordingPlaybackBlob fetches the video_index blob for a single
// recording, used by the mp4 assembler to build Stts/Stsz/Stss slices.
func (d *Database) RecordingPlaybackBlob(id recording.CompositeID) ([]byte, error) {
	var blob []byte
	err := d.sqlDB.QueryRow(`SELECT video_index FROM recording_playback WHERE composite_id = ?`, int64(id)).Scan(&blob)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.NotFound, "db.RecordingPlaybackBlob", err)
	}
	return blob, nil
}
