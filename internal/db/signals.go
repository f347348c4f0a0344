package db

import (
	"github.com/google/uuid"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// Signals returns a copy of every cached signal row.
func (d *Database) Signals() []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Signal, 0, len(d.signals))
	for _, s := range d.signals {
		out = append(out, *s)
	}
	return out
}

// AddSignal inserts a signal row.
func (d *Database) AddSignal(s Signal) (Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.UUID == (uuid.UUID{}) {
		s.UUID = uuid.New()
	}
	res, err := d.sqlDB.Exec(`INSERT INTO signal (uuid, type_uuid, config) VALUES (?, ?, ?)`,
		s.UUID[:], s.TypeUUID[:], s.Config)
	if err != nil {
		return Signal{}, nvrerrors.New(nvrerrors.Internal, "db.AddSignal", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Signal{}, nvrerrors.New(nvrerrors.Internal, "db.AddSignal", err)
	}
	s.ID = uint32(id)
	cp := s
	d.signals[s.ID] = &cp
	return s, nil
}

// SignalTypeStates maps a signal type uuid to its valid-states bitmask
// (spec.md §3: bit 0 always valid = "unknown").
func (d *Database) SignalTypeStates() (map[uuid.UUID]uint16, error) {
	rows, err := d.sqlDB.Query(`SELECT uuid, valid_states FROM signal_type`)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.SignalTypeStates", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]uint16)
	for rows.Next() {
		var uuidBytes, maskBytes []byte
		if err := rows.Scan(&uuidBytes, &maskBytes); err != nil {
			return nil, nvrerrors.New(nvrerrors.Internal, "db.SignalTypeStates", err)
		}
		var u uuid.UUID
		copy(u[:], uuidBytes)
		var mask uint16 = 1 // state 0 always valid
		if len(maskBytes) >= 2 {
			mask = uint16(maskBytes[0])<<8 | uint16(maskBytes[1]) | 1
		}
		out[u] = mask
	}
	return out, nvrerrors.Wrap(nvrerrors.Internal, "db.SignalTypeStates", rows.Err())
}

// AddSignalType inserts a signal type with the given valid-states mask.
func (d *Database) AddSignalType(typeUUID uuid.UUID, validStates uint16) error {
	validStates |= 1
	mask := []byte{byte(validStates >> 8), byte(validStates)}
	_, err := d.sqlDB.Exec(`INSERT INTO signal_type (uuid, valid_states) VALUES (?, ?)`, typeUUID[:], mask)
	return nvrerrors.Wrap(nvrerrors.Internal, "db.AddSignalType", err)
}

// SignalChangeRow is the persisted form of one timeline point: only the
// changes half is stored; prev maps are recomputed on load (spec.md §3's
// SignalChange entity stores exactly the delta-encoded change pairs).
type SignalChangeRow struct {
	Time90k recording.Time90k
	Changes []byte
}

// ReplaceSignalChanges rewrites the signal_change table from an in-memory
// snapshot, in one transaction. The row count is bounded by
// max_signal_changes, so a full rewrite stays cheap and avoids diffing
// the three disjoint regions an update can touch.
func (d *Database) ReplaceSignalChanges(rows []SignalChangeRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.ReplaceSignalChanges", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM signal_change`); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.ReplaceSignalChanges", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(`INSERT INTO signal_change (time_90k, changes) VALUES (?, ?)`, int64(r.Time90k), r.Changes); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.ReplaceSignalChanges", err)
		}
	}
	return nvrerrors.Wrap(nvrerrors.Internal, "db.ReplaceSignalChanges", tx.Commit())
}

// ListSignalChanges loads every persisted point in ascending time order,
// for the signal store's lazy load at startup.
func (d *Database) ListSignalChanges() ([]SignalChangeRow, error) {
	rows, err := d.sqlDB.Query(`SELECT time_90k, changes FROM signal_change ORDER BY time_90k`)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "db.ListSignalChanges", err)
	}
	defer rows.Close()
	var out []SignalChangeRow
	for rows.Next() {
		var r SignalChangeRow
		var t int64
		if err := rows.Scan(&t, &r.Changes); err != nil {
			return nil, nvrerrors.New(nvrerrors.Internal, "db.ListSignalChanges", err)
		}
		r.Time90k = recording.Time90k(t)
		out = append(out, r)
	}
	return out, nvrerrors.Wrap(nvrerrors.Internal, "db.ListSignalChanges", rows.Err())
}
