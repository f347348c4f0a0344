package db

import (
	"fmt"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

// CreateUser inserts a new user row (an admin CRUD operation, spec.md §3:
// "Created by admin").
func (d *Database) CreateUser(username, passwordHash string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sqlDB.Exec(`INSERT INTO user (username, password_hash) VALUES (?, ?)`, username, passwordHash)
	if err != nil {
		return User{}, nvrerrors.New(nvrerrors.Internal, "db.CreateUser", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, nvrerrors.New(nvrerrors.Internal, "db.CreateUser", err)
	}
	u := User{ID: int32(id), Username: username, PasswordHash: passwordHash}
	d.users[u.ID] = &u
	return u, nil
}

// SetUserDisabled flips a user's disabled flag. An admin operation, so
// it's written immediately rather than deferred to the flush: login and
// session authentication must observe it right away (spec.md §4.6).
func (d *Database) SetUserDisabled(id int32, disabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.SetUserDisabled", fmt.Errorf("no user %d", id))
	}
	if _, err := d.sqlDB.Exec(`UPDATE user SET disabled = ? WHERE id = ?`, disabled, id); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.SetUserDisabled", err)
	}
	u.Disabled = disabled
	return nil
}

// DeleteUser removes a user and cascades to its sessions (spec.md §3:
// "destroyed by admin (cascades to sessions)"), so authentication with
// any of the user's raw session ids fails immediately.
func (d *Database) DeleteUser(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[id]; !ok {
		return nvrerrors.New(nvrerrors.NotFound, "db.DeleteUser", fmt.Errorf("no user %d", id))
	}
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteUser", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM user_session WHERE user_id = ?`, id); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteUser", err)
	}
	if _, err := tx.Exec(`DELETE FROM user WHERE id = ?`, id); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteUser", err)
	}
	if err := tx.Commit(); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.DeleteUser", err)
	}
	for hash, s := range d.sessions {
		if s.UserID == id {
			delete(d.sessions, hash)
			delete(d.dirtySessions, hash)
		}
	}
	delete(d.users, id)
	delete(d.dirtyUsers, id)
	return nil
}

// UserByName looks up a user by username, for login_by_password
// (spec.md §4.6).
func (d *Database) UserByName(username string) (User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == username {
			return *u, true
		}
	}
	return User{}, false
}

// UserByID looks up a user by id, for authenticate_session.
func (d *Database) UserByID(id int32) (User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// MarkUserDirty flags a user's password_failure_count / password_hash for
// the next Flush (spec.md §4.6: "Dirty users' password_failure_count and
// password_hash (only)... written in the periodic flush transaction").
func (d *Database) MarkUserDirty(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = &u
	d.dirtyUsers[u.ID] = true
}

// SessionByHash looks up a session by its 24-byte hashed id, the sole
// cache key named in spec.md §3.
func (d *Database) SessionByHash(hash [24]byte) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[hash]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// InsertSession writes a newly created session row immediately (it is
// not a flush-deferred write: spec.md §4.6 step 5 says "insert session
// row", not "queue").
func (d *Database) InsertSession(s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sqlDB.Exec(`INSERT INTO user_session (session_id_hash, user_id, seed, flags, domain,
		creation_time_sec, creation_addr, creation_user_agent, permissions, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		s.HashedID[:], s.UserID, s.Seed[:], s.Flags, s.Domain,
		s.CreationTime.Unix(), s.CreationAddr, s.CreationUA, s.Permissions)
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.InsertSession", err)
	}
	cp := s
	d.sessions[s.HashedID] = &cp
	return nil
}

// MarkSessionDirty flags a session's last-use stats for the next Flush
// (spec.md §4.6: "dirty sessions' last_use_* and use_count").
func (d *Database) MarkSessionDirty(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.HashedID] = &s
	d.dirtySessions[s.HashedID] = true
}

// RevokeSession writes revocation columns immediately, per spec.md §4.6's
// revoke_session: "subsequent authenticate calls fail" must be visible
// right away, not deferred to the next flush.
func (d *Database) RevokeSession(hash [24]byte, reason RevocationReason, detail string, at int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sqlDB.Exec(`UPDATE user_session SET revocation_time_sec = ?, revocation_reason = ?, revocation_reason_detail = ? WHERE session_id_hash = ?`,
		at, reason, detail, hash[:])
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "db.RevokeSession", err)
	}
	if s, ok := d.sessions[hash]; ok {
		s.RevocationReason = reason
		s.RevocationDetail = detail
	}
	return nil
}
