package db

// schemaVersion is the on-disk schema generation. SPEC_FULL.md's
// "schema version + additive-upgrade stub" supplement: Open checks this
// against the version stored in the meta table and refuses to run
// against a newer schema; an older schema is also refused, since this
// engine has no upgrade path (SPEC_FULL.md §4).
const schemaVersion = 1

// schemaSQL creates every table the index needs. It is applied inside a
// single transaction the first time Open sees an empty database.
const schemaSQL = `
CREATE TABLE meta (
  uuid BLOB NOT NULL,
  version INTEGER NOT NULL
);

CREATE TABLE open (
  id INTEGER PRIMARY KEY,
  uuid BLOB NOT NULL
);

CREATE TABLE sample_file_dir (
  id INTEGER PRIMARY KEY,
  uuid BLOB UNIQUE NOT NULL,
  path TEXT UNIQUE NOT NULL,
  last_complete_open_id INTEGER REFERENCES open (id)
);

CREATE TABLE video_sample_entry (
  id INTEGER PRIMARY KEY,
  sha1 BLOB UNIQUE NOT NULL,
  width INTEGER NOT NULL,
  height INTEGER NOT NULL,
  pasp_h_spacing INTEGER NOT NULL DEFAULT 1,
  pasp_v_spacing INTEGER NOT NULL DEFAULT 1,
  rfc6381_codec TEXT NOT NULL,
  data BLOB NOT NULL
);

CREATE TABLE camera (
  id INTEGER PRIMARY KEY,
  uuid BLOB UNIQUE NOT NULL,
  short_name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  onvif_host TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE stream (
  id INTEGER PRIMARY KEY,
  camera_id INTEGER NOT NULL REFERENCES camera (id),
  type TEXT NOT NULL CHECK (type IN ('main', 'sub')),
  sample_file_dir_id INTEGER REFERENCES sample_file_dir (id),
  rtsp_url TEXT NOT NULL DEFAULT '',
  rtsp_transport TEXT NOT NULL DEFAULT 'tcp',
  record INTEGER NOT NULL DEFAULT 0,
  flush_if_sec INTEGER NOT NULL DEFAULT 60,
  retain_bytes INTEGER NOT NULL DEFAULT 0,
  cum_recordings INTEGER NOT NULL DEFAULT 0,
  cum_media_duration_90k INTEGER NOT NULL DEFAULT 0,
  cum_runs INTEGER NOT NULL DEFAULT 0,
  UNIQUE (camera_id, type)
);

CREATE TABLE recording (
  composite_id INTEGER PRIMARY KEY,
  stream_id INTEGER NOT NULL REFERENCES stream (id),
  open_id INTEGER NOT NULL REFERENCES open (id),
  run_offset INTEGER NOT NULL,
  flags INTEGER NOT NULL DEFAULT 0,
  start_time_90k INTEGER NOT NULL,
  wall_duration_90k INTEGER NOT NULL,
  media_duration_delta_90k INTEGER NOT NULL DEFAULT 0,
  video_samples INTEGER NOT NULL,
  video_sync_samples INTEGER NOT NULL,
  sample_file_bytes INTEGER NOT NULL,
  video_sample_entry_id INTEGER NOT NULL REFERENCES video_sample_entry (id),
  prev_media_duration_90k INTEGER NOT NULL DEFAULT 0,
  prev_runs INTEGER NOT NULL DEFAULT 0,
  end_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX recording_cover ON recording (stream_id, start_time_90k);

CREATE TABLE recording_playback (
  composite_id INTEGER PRIMARY KEY REFERENCES recording (composite_id),
  video_index BLOB NOT NULL
);

CREATE TABLE recording_integrity (
  composite_id INTEGER PRIMARY KEY REFERENCES recording (composite_id),
  local_time_delta_90k INTEGER,
  sample_file_blake3 BLOB
);

CREATE TABLE garbage (
  sample_file_dir_id INTEGER NOT NULL REFERENCES sample_file_dir (id),
  composite_id INTEGER NOT NULL,
  PRIMARY KEY (sample_file_dir_id, composite_id)
);

CREATE TABLE user (
  id INTEGER PRIMARY KEY,
  username TEXT UNIQUE NOT NULL,
  password_hash TEXT,
  password_id INTEGER NOT NULL DEFAULT 0,
  password_failure_count INTEGER NOT NULL DEFAULT 0,
  disabled INTEGER NOT NULL DEFAULT 0,
  permissions BLOB NOT NULL DEFAULT '',
  preferences TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE user_session (
  session_id_hash BLOB PRIMARY KEY,
  user_id INTEGER NOT NULL REFERENCES user (id),
  seed BLOB NOT NULL,
  flags INTEGER NOT NULL,
  domain TEXT NOT NULL DEFAULT '',
  creation_time_sec INTEGER NOT NULL,
  creation_addr TEXT NOT NULL DEFAULT '',
  creation_user_agent TEXT NOT NULL DEFAULT '',
  permissions BLOB NOT NULL DEFAULT '',
  last_use_time_sec INTEGER,
  last_use_addr TEXT NOT NULL DEFAULT '',
  last_use_user_agent TEXT NOT NULL DEFAULT '',
  use_count INTEGER NOT NULL DEFAULT 0,
  revocation_time_sec INTEGER,
  revocation_reason INTEGER,
  revocation_reason_detail TEXT
);

CREATE TABLE signal_type (
  uuid BLOB PRIMARY KEY,
  valid_states BLOB NOT NULL,
  config TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE signal (
  id INTEGER PRIMARY KEY,
  uuid BLOB UNIQUE NOT NULL,
  type_uuid BLOB NOT NULL REFERENCES signal_type (uuid),
  config TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE signal_change (
  time_90k INTEGER PRIMARY KEY,
  changes BLOB NOT NULL
);

CREATE TABLE signal_camera (
  signal_id INTEGER NOT NULL REFERENCES signal (id),
  camera_id INTEGER NOT NULL REFERENCES camera (id),
  type INTEGER NOT NULL,
  PRIMARY KEY (signal_id, camera_id)
);
`
