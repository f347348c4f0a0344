package db

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// AddCamera inserts a camera row (spec.md §3: "Admin CRUD").
func (d *Database) AddCamera(c Camera) (Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.UUID == (uuid.UUID{}) {
		c.UUID = uuid.New()
	}
	res, err := d.sqlDB.Exec(`INSERT INTO camera (uuid, short_name, description, onvif_host, username, password) VALUES (?, ?, ?, ?, ?, ?)`,
		c.UUID[:], c.ShortName, c.Description, c.OnvifHost, c.Username, c.Password)
	if err != nil {
		return Camera{}, nvrerrors.New(nvrerrors.Internal, "db.AddCamera", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Camera{}, nvrerrors.New(nvrerrors.Internal, "db.AddCamera", err)
	}
	c.ID = int32(id)
	cp := c
	d.cameras[c.ID] = &cp
	return c, nil
}

// UpdateCamera rewrites a camera's config columns.
func (d *Database) UpdateCamera(c Camera) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cameras[c.ID]; !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.UpdateCamera", fmt.Errorf("no camera %d", c.ID))
	}
	_, err := d.sqlDB.Exec(`UPDATE camera SET short_name = ?, description = ?, onvif_host = ?, username = ?, password = ? WHERE id = ?`,
		c.ShortName, c.Description, c.OnvifHost, c.Username, c.Password, c.ID)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.UpdateCamera", err)
	}
	cp := c
	d.cameras[c.ID] = &cp
	return nil
}

// DeleteCamera removes a camera and its streams. It refuses while any of
// the camera's streams still has recordings (spec.md §3: "deletion
// requires no recordings referencing it").
func (d *Database) DeleteCamera(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cameras[id]; !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.DeleteCamera", fmt.Errorf("no camera %d", id))
	}
	var streamIDs []int32
	for _, s := range d.streams {
		if s.CameraID != id {
			continue
		}
		var n int
		if err := d.sqlDB.QueryRow(`SELECT count(*) FROM recording WHERE stream_id = ?`, s.ID).Scan(&n); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.DeleteCamera", err)
		}
		if n > 0 {
			return nvrerrors.New(nvrerrors.FailedPrecondition, "db.DeleteCamera",
				fmt.Errorf("stream %d still has %d recordings", s.ID, n))
		}
		streamIDs = append(streamIDs, s.ID)
	}

	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteCamera", err)
	}
	defer tx.Rollback()
	for _, sid := range streamIDs {
		if _, err := tx.Exec(`DELETE FROM stream WHERE id = ?`, sid); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.DeleteCamera", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM camera WHERE id = ?`, id); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteCamera", err)
	}
	if err := tx.Commit(); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteCamera", err)
	}
	for _, sid := range streamIDs {
		delete(d.streams, sid)
	}
	delete(d.cameras, id)
	return nil
}

// CameraByUUID resolves a camera by the uuid the HTTP API addresses it
// with.
func (d *Database) CameraByUUID(u uuid.UUID) (Camera, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.cameras {
		if c.UUID == u {
			return *c, true
		}
	}
	return Camera{}, false
}

// Cameras returns a copy of every cached camera row.
func (d *Database) Cameras() []Camera {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Camera, 0, len(d.cameras))
	for _, c := range d.cameras {
		out = append(out, *c)
	}
	return out
}

// StreamsForCamera returns copies of the camera's stream slots.
func (d *Database) StreamsForCamera(cameraID int32) []Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Stream
	for _, s := range d.streams {
		if s.CameraID == cameraID {
			out = append(out, *s)
		}
	}
	return out
}

// AddStream inserts a stream slot for a camera.
func (d *Database) AddStream(s Stream) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cameras[s.CameraID]; !ok {
		return Stream{}, nvrerrors.New(nvrerrors.NotFound, "db.AddStream", fmt.Errorf("no camera %d", s.CameraID))
	}
	var dirID interface{}
	if s.SampleFileDirID != nil {
		dirID = *s.SampleFileDirID
	}
	res, err := d.sqlDB.Exec(`INSERT INTO stream (camera_id, type, sample_file_dir_id, rtsp_url, rtsp_transport, record, flush_if_sec, retain_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.CameraID, string(s.Type), dirID, s.RTSPURL, s.RTSPTransport, s.Record, s.FlushIfSec, s.RetainBytes)
	if err != nil {
		return Stream{}, nvrerrors.New(nvrerrors.Internal, "db.AddStream", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Stream{}, nvrerrors.New(nvrerrors.Internal, "db.AddStream", err)
	}
	s.ID = int32(id)
	cp := s
	d.streams[s.ID] = &cp
	return s, nil
}

// SetStreamRetainBytes updates a stream's retention budget.
func (d *Database) SetStreamRetainBytes(streamID int32, retainBytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[streamID]
	if !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.SetStreamRetainBytes", fmt.Errorf("no stream %d", streamID))
	}
	if _, err := d.sqlDB.Exec(`UPDATE stream SET retain_bytes = ? WHERE id = ?`, retainBytes, streamID); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.SetStreamRetainBytes", err)
	}
	s.RetainBytes = retainBytes
	return nil
}

// AddSampleFileDir registers a sample-file directory. The directory's
// on-disk meta file is internal/dir's business; this only records the
// path and identity in the index.
func (d *Database) AddSampleFileDir(path string, dirUUID uuid.UUID) (SampleFileDir, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dirUUID == (uuid.UUID{}) {
		dirUUID = uuid.New()
	}
	res, err := d.sqlDB.Exec(`INSERT INTO sample_file_dir (uuid, path) VALUES (?, ?)`, dirUUID[:], path)
	if err != nil {
		return SampleFileDir{}, nvrerrors.New(nvrerrors.Internal, "db.AddSampleFileDir", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SampleFileDir{}, nvrerrors.New(nvrerrors.Internal, "db.AddSampleFileDir", err)
	}
	sd := SampleFileDir{ID: int32(id), UUID: dirUUID, Path: path}
	cp := sd
	d.dirs[sd.ID] = &cp
	return sd, nil
}

// DeleteSampleFileDir removes a directory row, refusing while any stream
// still references it or garbage remains (spec.md §4.3).
func (d *Database) DeleteSampleFileDir(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dirs[id]; !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.DeleteSampleFileDir", fmt.Errorf("no sample file dir %d", id))
	}
	for _, s := range d.streams {
		if s.SampleFileDirID != nil && *s.SampleFileDirID == id {
			return nvrerrors.New(nvrerrors.FailedPrecondition, "db.DeleteSampleFileDir",
				fmt.Errorf("stream %d still references dir %d", s.ID, id))
		}
	}
	var garbageCount int
	if err := d.sqlDB.QueryRow(`SELECT count(*) FROM garbage WHERE sample_file_dir_id = ?`, id).Scan(&garbageCount); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteSampleFileDir", err)
	}
	if garbageCount > 0 {
		return nvrerrors.New(nvrerrors.FailedPrecondition, "db.DeleteSampleFileDir",
			fmt.Errorf("%d garbage rows still pending for dir %d", garbageCount, id))
	}
	if _, err := d.sqlDB.Exec(`DELETE FROM sample_file_dir WHERE id = ?`, id); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteSampleFileDir", err)
	}
	delete(d.dirs, id)
	return nil
}

// SetDirLastCompleteOpen records that a directory's meta now names this
// process's open as last_complete_open, mirroring the on-disk state the
// pool wrote during CompleteOpenForWrite.
func (d *Database) SetDirLastCompleteOpen(dirID int32, openID recording.OpenID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, ok := d.dirs[dirID]
	if !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.SetDirLastCompleteOpen", fmt.Errorf("no sample file dir %d", dirID))
	}
	if _, err := d.sqlDB.Exec(`UPDATE sample_file_dir SET last_complete_open_id = ? WHERE id = ?`, int64(openID), dirID); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.SetDirLastCompleteOpen", err)
	}
	id := openID
	sd.LastCompleteOpenID = &id
	return nil
}

// OpenUUIDByID fetches the uuid of a historical open row, needed to
// reconstruct a directory's expected meta contents.
func (d *Database) OpenUUIDByID(id recording.OpenID) (uuid.UUID, error) {
	var b []byte
	err := d.sqlDB.QueryRow(`SELECT uuid FROM open WHERE id = ?`, int64(id)).Scan(&b)
	if err != nil {
		return uuid.UUID{}, nvrerrors.New(nvrerrors.NotFound, "db.OpenUUIDByID", err)
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}
