package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// loadCaches populates every in-memory table from the database, run once
// at Open. Recording rows are NOT cached in memory (spec.md §4.3 only
// names users/cameras/streams/dirs/entries/sessions as cached); they are
// queried on demand by the List* functions in recordings.go.
func (d *Database) loadCaches() error {
	if err := d.loadDirs(); err != nil {
		return err
	}
	if err := d.loadEntries(); err != nil {
		return err
	}
	if err := d.loadCameras(); err != nil {
		return err
	}
	if err := d.loadStreams(); err != nil {
		return err
	}
	if err := d.loadUsers(); err != nil {
		return err
	}
	if err := d.loadSessions(); err != nil {
		return err
	}
	return d.loadSignals()
}

func (d *Database) loadDirs() error {
	rows, err := d.sqlDB.Query(`SELECT id, uuid, path, last_complete_open_id FROM sample_file_dir`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadDirs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sd SampleFileDir
		var uuidBytes []byte
		var lastOpen sql.NullInt64
		if err := rows.Scan(&sd.ID, &uuidBytes, &sd.Path, &lastOpen); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadDirs", err)
		}
		copy(sd.UUID[:], uuidBytes)
		if lastOpen.Valid {
			id := recording.OpenID(lastOpen.Int64)
			sd.LastCompleteOpenID = &id
		}
		d.dirs[sd.ID] = &sd
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadDirs", rows.Err())
}

func (d *Database) loadEntries() error {
	rows, err := d.sqlDB.Query(`SELECT id, sha1, width, height, pasp_h_spacing, pasp_v_spacing, rfc6381_codec, data FROM video_sample_entry`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadEntries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e VideoSampleEntry
		var sha1Bytes []byte
		if err := rows.Scan(&e.ID, &sha1Bytes, &e.Width, &e.Height, &e.PaspHSpacing, &e.PaspVSpacing, &e.RFC6381Codec, &e.Data); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadEntries", err)
		}
		copy(e.SHA1[:], sha1Bytes)
		d.entries[e.ID] = &e
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadEntries", rows.Err())
}

func (d *Database) loadCameras() error {
	rows, err := d.sqlDB.Query(`SELECT id, uuid, short_name, description, onvif_host, username, password FROM camera`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadCameras", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Camera
		var uuidBytes []byte
		if err := rows.Scan(&c.ID, &uuidBytes, &c.ShortName, &c.Description, &c.OnvifHost, &c.Username, &c.Password); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadCameras", err)
		}
		c.UUID = uuid.UUID(uuidBytes)
		d.cameras[c.ID] = &c
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadCameras", rows.Err())
}

func (d *Database) loadStreams() error {
	rows, err := d.sqlDB.Query(`SELECT id, camera_id, type, sample_file_dir_id, rtsp_url, rtsp_transport, record, flush_if_sec, retain_bytes, cum_recordings, cum_media_duration_90k, cum_runs FROM stream`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadStreams", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Stream
		var typ string
		var dirID sql.NullInt64
		if err := rows.Scan(&s.ID, &s.CameraID, &typ, &dirID, &s.RTSPURL, &s.RTSPTransport, &s.Record, &s.FlushIfSec, &s.RetainBytes, &s.CumRecordings, &s.CumMediaDuration90k, &s.CumRuns); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadStreams", err)
		}
		s.Type = StreamType(typ)
		if dirID.Valid {
			id := int32(dirID.Int64)
			s.SampleFileDirID = &id
		}
		d.streams[s.ID] = &s
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadStreams", rows.Err())
}

func (d *Database) loadUsers() error {
	rows, err := d.sqlDB.Query(`SELECT id, username, password_hash, password_id, password_failure_count, disabled, permissions, preferences FROM user`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadUsers", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u User
		var hash sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &hash, &u.PasswordID, &u.PasswordFailureCount, &u.Disabled, &u.Permissions, &u.Preferences); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadUsers", err)
		}
		u.PasswordHash = hash.String
		d.users[u.ID] = &u
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadUsers", rows.Err())
}

func (d *Database) loadSessions() error {
	rows, err := d.sqlDB.Query(`SELECT session_id_hash, user_id, seed, flags, domain, creation_time_sec, creation_addr, creation_user_agent, permissions, last_use_time_sec, last_use_addr, last_use_user_agent, use_count, revocation_time_sec, revocation_reason, revocation_reason_detail FROM user_session`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadSessions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Session
		var hashBytes, seedBytes []byte
		var creationSec int64
		var lastUseSec, revocationSec sql.NullInt64
		var revocationReason sql.NullInt64
		var revocationDetail sql.NullString
		if err := rows.Scan(&hashBytes, &s.UserID, &seedBytes, &s.Flags, &s.Domain, &creationSec, &s.CreationAddr, &s.CreationUA, &s.Permissions, &lastUseSec, &s.LastUseAddr, &s.LastUseUA, &s.UseCount, &revocationSec, &revocationReason, &revocationDetail); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadSessions", err)
		}
		copy(s.HashedID[:], hashBytes)
		copy(s.Seed[:], seedBytes)
		s.CreationTime = time.Unix(creationSec, 0).UTC()
		if lastUseSec.Valid {
			s.LastUseTime = time.Unix(lastUseSec.Int64, 0).UTC()
		}
		if revocationReason.Valid {
			s.RevocationReason = RevocationReason(revocationReason.Int64)
		}
		if revocationSec.Valid {
			s.RevocationTime = time.Unix(revocationSec.Int64, 0).UTC()
		}
		s.RevocationDetail = revocationDetail.String
		d.sessions[s.HashedID] = &s
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadSessions", rows.Err())
}

func (d *Database) loadSignals() error {
	rows, err := d.sqlDB.Query(`SELECT id, uuid, type_uuid, config FROM signal`)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadSignals", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Signal
		var idBytes, typeBytes []byte
		if err := rows.Scan(&s.ID, &idBytes, &typeBytes, &s.Config); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.loadSignals", err)
		}
		s.UUID = uuid.UUID(idBytes)
		s.TypeUUID = uuid.UUID(typeBytes)
		d.signals[s.ID] = &s
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.loadSignals", rows.Err())
}

// Stream returns a copy of a cached stream row, or false if unknown.
func (d *Database) Stream(id int32) (Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// StreamsForDir returns copies of every stream recorded into dirID.
func (d *Database) StreamsForDir(dirID int32) []Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Stream
	for _, s := range d.streams {
		if s.SampleFileDirID != nil && *s.SampleFileDirID == dirID {
			out = append(out, *s)
		}
	}
	return out
}

// SampleFileDirs returns copies of every cached directory row.
func (d *Database) SampleFileDirs() []SampleFileDir {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SampleFileDir, 0, len(d.dirs))
	for _, sd := range d.dirs {
		out = append(out, *sd)
	}
	return out
}

// Dir returns a copy of a cached sample-file directory row.
func (d *Database) Dir(id int32) (SampleFileDir, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, ok := d.dirs[id]
	if !ok {
		return SampleFileDir{}, false
	}
	return *sd, true
}

// VideoSampleEntryByID returns a copy of a cached video sample entry.
func (d *Database) VideoSampleEntryByID(id int32) (VideoSampleEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return VideoSampleEntry{}, false
	}
	return *e, true
}

// GetOrCreateVideoSampleEntry deduplicates by sha1 of the raw sample
// entry blob (spec.md §3: "Deduplicated by content; immortal once
// created").
func (d *Database) GetOrCreateVideoSampleEntry(e VideoSampleEntry) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.entries {
		if existing.SHA1 == e.SHA1 {
			return existing.ID, nil
		}
	}
	res, err := d.sqlDB.Exec(`INSERT INTO video_sample_entry (sha1, width, height, pasp_h_spacing, pasp_v_spacing, rfc6381_codec, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SHA1[:], e.Width, e.Height, e.PaspHSpacing, e.PaspVSpacing, e.RFC6381Codec, e.Data)
	if err != nil {
		return 0, nvrerrors.New(nvrerrors.Internal, "db.GetOrCreateVideoSampleEntry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nvrerrors.New(nvrerrors.Internal, "db.GetOrCreateVideoSampleEntry", err)
	}
	e.ID = int32(id)
	d.entries[e.ID] = &e
	return e.ID, nil
}
