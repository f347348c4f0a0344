// Package db implements the index database of spec.md §4.3: a single
// SQLite file opened once per process under an exclusive advisory lock,
// wrapping a long-lived in-memory cache of users, cameras, streams,
// sample-file directories, video sample entries, and sessions. Every
// mutation is serialized through Database.mu. Most mutations are written
// immediately; only dirty user and session fields accumulate in memory
// and are written by Flush in one transaction (spec.md §4.4's "flusher").
//
// The teacher has no database layer of its own; this package is grounded
// directly on the original implementation (server/db/mod.rs, described in
// spec.md §4.3-§4.4) and built on github.com/mattn/go-sqlite3, the SQLite
// driver declared in this pack's Spatial-NVR-SpatialNVR and
// gravitational-teleport manifests.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// Database is the process-wide index: one *sql.DB, one exclusive lock on
// the underlying file, and the in-memory caches every lookup goes
// through instead of a query (spec.md §4.3: "wrapping a long-lived
// in-memory cache").
type Database struct {
	sqlDB    *sql.DB
	lockFd   int
	log      zerolog.Logger
	readOnly bool

	mu sync.Mutex

	uuid     uuid.UUID
	openID   *recording.OpenID // nil if opened read-only
	openUUID uuid.UUID

	users    map[int32]*User
	sessions map[[24]byte]*Session
	cameras  map[int32]*Camera
	streams  map[int32]*Stream
	dirs     map[int32]*SampleFileDir
	entries  map[int32]*VideoSampleEntry
	signals  map[uint32]*Signal

	dirtyUsers    map[int32]bool
	dirtySessions map[[24]byte]bool
}

// Options configures Open.
type Options struct {
	Path     string
	ReadOnly bool
}

// Open opens path, taking an exclusive (or shared, if ReadOnly) advisory
// lock on the file itself — the same golang.org/x/sys/unix.Flock
// primitive internal/dir uses for its directory lock — then creates the
// schema if the file is new, and loads every cache table into memory.
func Open(opts Options, log zerolog.Logger) (*Database, error) {
	flags := "?_journal_mode=WAL&_foreign_keys=on"
	if opts.ReadOnly {
		flags = "?mode=ro&_journal_mode=WAL&_foreign_keys=on"
	}
	sqlDB, err := sql.Open("sqlite3", opts.Path+flags)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.Open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	lockFlags := unix.O_RDONLY
	if !opts.ReadOnly {
		// The file may not exist yet; sql.Open is lazy and creates it only
		// on first use, which happens after we hold the lock.
		lockFlags = unix.O_RDWR | unix.O_CREAT
	}
	lockFd, err := unix.Open(opts.Path, lockFlags, 0o644)
	if err != nil {
		sqlDB.Close()
		return nil, nvrerrors.New(nvrerrors.Internal, "db.Open", fmt.Errorf("open for lock: %w", err))
	}
	lockType := unix.LOCK_EX
	if opts.ReadOnly {
		lockType = unix.LOCK_SH
	}
	if err := unix.Flock(lockFd, lockType|unix.LOCK_NB); err != nil {
		unix.Close(lockFd)
		sqlDB.Close()
		return nil, nvrerrors.New(nvrerrors.Unavailable, "db.Open", fmt.Errorf("flock %s: %w (already open by another process?)", opts.Path, err))
	}

	d := &Database{
		sqlDB:         sqlDB,
		lockFd:        lockFd,
		log:           log.With().Str("component", "db.Database").Logger(),
		readOnly:      opts.ReadOnly,
		users:         make(map[int32]*User),
		sessions:      make(map[[24]byte]*Session),
		cameras:       make(map[int32]*Camera),
		streams:       make(map[int32]*Stream),
		dirs:          make(map[int32]*SampleFileDir),
		entries:       make(map[int32]*VideoSampleEntry),
		signals:       make(map[uint32]*Signal),
		dirtyUsers:    make(map[int32]bool),
		dirtySessions: make(map[[24]byte]bool),
	}

	if err := d.initSchema(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.checkSchemaVersion(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.loadUUID(); err != nil {
		d.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := d.insertOpen(); err != nil {
			d.Close()
			return nil, err
		}
	}
	if err := d.loadCaches(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// initSchema creates the schema (and the meta row) the first time Open
// sees an empty file.
func (d *Database) initSchema() error {
	var count int
	err := d.sqlDB.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table'`).Scan(&count)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.initSchema", err)
	}
	if count > 0 {
		return nil
	}
	if d.readOnly {
		return nvrerrors.New(nvrerrors.FailedPrecondition, "db.initSchema", fmt.Errorf("database is empty and was opened read-only"))
	}
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.initSchema", err)
	}
	if _, err := tx.Exec(schemaSQL); err != nil {
		tx.Rollback()
		return nvrerrors.New(nvrerrors.Internal, "db.initSchema", err)
	}
	u := uuid.New()
	if _, err := tx.Exec(`INSERT INTO meta (uuid, version) VALUES (?, ?)`, u[:], schemaVersion); err != nil {
		tx.Rollback()
		return nvrerrors.New(nvrerrors.Internal, "db.initSchema", err)
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.initSchema", tx.Commit())
}

// checkSchemaVersion implements SPEC_FULL.md's "schema version + additive
// upgrade stub": a newer schema than this binary understands is a hard
// failure; an older one would require an upgrade path not implemented
// here, and fails with Unimplemented.
func (d *Database) checkSchemaVersion() error {
	var version int
	if err := d.sqlDB.QueryRow(`SELECT version FROM meta`).Scan(&version); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.checkSchemaVersion", err)
	}
	if version > schemaVersion {
		return nvrerrors.New(nvrerrors.FailedPrecondition, "db.checkSchemaVersion", fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, schemaVersion))
	}
	if version < schemaVersion {
		return nvrerrors.New(nvrerrors.Unimplemented, "db.checkSchemaVersion", fmt.Errorf("database schema version %d needs an upgrade this binary does not implement", version))
	}
	return nil
}

func (d *Database) loadUUID() error {
	var b []byte
	if err := d.sqlDB.QueryRow(`SELECT uuid FROM meta`).Scan(&b); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.loadUUID", err)
	}
	copy(d.uuid[:], b)
	return nil
}

// insertOpen writes the one open row for this process lifetime (spec.md
// §3's Open entity); every recording committed before Close references it.
func (d *Database) insertOpen() error {
	u := uuid.New()
	res, err := d.sqlDB.Exec(`INSERT INTO open (uuid) VALUES (?)`, u[:])
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.insertOpen", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.insertOpen", err)
	}
	openID := recording.OpenID(id)
	d.openID = &openID
	d.openUUID = u
	return nil
}

// Close flushes no pending state (callers must call Flush explicitly
// first) and releases the file lock.
func (d *Database) Close() error {
	var firstErr error
	if d.sqlDB != nil {
		if err := d.sqlDB.Close(); err != nil {
			firstErr = err
		}
	}
	if d.lockFd != 0 {
		unix.Flock(d.lockFd, unix.LOCK_UN)
		unix.Close(d.lockFd)
	}
	return firstErr
}

// OpenID returns the process's open id, or false if the database was
// opened read-only.
func (d *Database) OpenID() (recording.OpenID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openID == nil {
		return 0, false
	}
	return *d.openID, true
}

// OpenUUID returns the uuid written alongside the open row, needed by
// the sample-file directory meta protocol.
func (d *Database) OpenUUID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openUUID
}

// UUID returns the database's own identity, stamped into every
// sample-file directory's meta file.
func (d *Database) UUID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uuid
}
