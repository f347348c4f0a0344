package db

import (
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

// Flush implements spec.md §4.4's flusher: it writes every dirty user's
// password_failure_count/password_hash and every dirty session's
// last_use_* and use_count in one transaction, then clears the dirty
// sets. Recording commits and garbage moves are NOT deferred here — they
// go through CommitRecording/MoveToGarbage directly, matching spec.md
// §4.4's ordering invariant that the recording row commit itself must
// happen promptly after the directory fsync, not on the flusher's
// schedule.
func (d *Database) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.dirtyUsers) == 0 && len(d.dirtySessions) == 0 {
		return nil
	}

	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.Flush", err)
	}
	defer tx.Rollback()

	for id := range d.dirtyUsers {
		u := d.users[id]
		if u == nil {
			continue
		}
		if _, err := tx.Exec(`UPDATE user SET password_failure_count = ?, password_hash = ? WHERE id = ?`,
			u.PasswordFailureCount, u.PasswordHash, u.ID); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.Flush", err)
		}
	}

	for hash := range d.dirtySessions {
		s := d.sessions[hash]
		if s == nil {
			continue
		}
		var lastUse interface{}
		if !s.LastUseTime.IsZero() {
			lastUse = s.LastUseTime.Unix()
		}
		if _, err := tx.Exec(`UPDATE user_session SET last_use_time_sec = ?, last_use_addr = ?, last_use_user_agent = ?, use_count = ? WHERE session_id_hash = ?`,
			lastUse, s.LastUseAddr, s.LastUseUA, s.UseCount, hash[:]); err != nil {
			return nvrerrors.New(nvrerrors.Internal, "db.Flush", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.Flush", err)
	}

	d.dirtyUsers = make(map[int32]bool)
	d.dirtySessions = make(map[[24]byte]bool)
	return nil
}
