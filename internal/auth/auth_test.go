package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

func mustOpenDB(t *testing.T) *db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	d, err := db.Open(db.Options{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func mustCreateUser(t *testing.T, d *db.Database, store *Store, username, password string) int32 {
	t.Helper()
	hash, err := store.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := d.CreateUser(username, hash)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID
}

func TestLoginByPasswordRoundTrip(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	mustCreateUser(t, d, store, "alice", "hunter2")

	req := Request{When: time.Unix(1000, 0), Addr: "127.0.0.1", UA: "test-agent"}
	raw, session, err := store.LoginByPassword(req, "alice", "hunter2", "example.com", db.SessionFlagHTTPOnly|db.SessionFlagSecure)
	if err != nil {
		t.Fatalf("LoginByPassword: %v", err)
	}
	if len(raw) != 48 {
		t.Fatalf("raw session id len = %d, want 48", len(raw))
	}

	gotSession, user, err := store.AuthenticateSession(req, raw)
	if err != nil {
		t.Fatalf("AuthenticateSession: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("user.Username = %q, want alice", user.Username)
	}
	if gotSession.HashedID != session.HashedID {
		t.Fatalf("authenticated session hash mismatch")
	}
	if gotSession.UseCount != 1 {
		t.Fatalf("UseCount = %d, want 1", gotSession.UseCount)
	}
}

func TestLoginByPasswordWrongPasswordIncrementsFailureCount(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	mustCreateUser(t, d, store, "bob", "correct-horse")

	req := Request{When: time.Now(), Addr: "127.0.0.1"}
	if _, _, err := store.LoginByPassword(req, "bob", "wrong", "", 0); err == nil {
		t.Fatalf("LoginByPassword succeeded with wrong password")
	} else if nvrerrors.KindOf(err) != nvrerrors.Unauthenticated {
		t.Fatalf("error kind = %v, want Unauthenticated", nvrerrors.KindOf(err))
	}

	u, ok := d.UserByName("bob")
	if !ok {
		t.Fatalf("UserByName(bob) not found")
	}
	if u.PasswordFailureCount != 1 {
		t.Fatalf("PasswordFailureCount = %d, want 1", u.PasswordFailureCount)
	}
}

func TestCSRFTokenStableAndSessionScoped(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	mustCreateUser(t, d, store, "carol", "swordfish")

	req := Request{When: time.Now()}
	_, session1, err := store.LoginByPassword(req, "carol", "swordfish", "", 0)
	if err != nil {
		t.Fatalf("LoginByPassword: %v", err)
	}
	tok1a := CSRFToken(session1)
	tok1b := CSRFToken(session1)
	if tok1a != tok1b {
		t.Fatalf("CSRFToken not stable across calls")
	}

	_, session2, err := store.LoginByPassword(req, "carol", "swordfish", "", 0)
	if err != nil {
		t.Fatalf("second LoginByPassword: %v", err)
	}
	if CSRFToken(session2) == tok1a {
		t.Fatalf("two independently created sessions produced the same CSRF token")
	}
}

func TestDisabledUserBlocksLoginAndSessions(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	uid := mustCreateUser(t, d, store, "frank", "opensesame")

	// An existing session stops authenticating once the user is disabled.
	req := Request{When: time.Now()}
	raw, _, err := store.LoginByPassword(req, "frank", "opensesame", "", 0)
	if err != nil {
		t.Fatalf("LoginByPassword: %v", err)
	}
	if err := d.SetUserDisabled(uid, true); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}
	if _, _, err := store.AuthenticateSession(req, raw); nvrerrors.KindOf(err) != nvrerrors.Unauthenticated {
		t.Fatalf("AuthenticateSession for disabled user: err = %v, want Unauthenticated", err)
	}

	// A disabled user can't log in, even with the correct password.
	if _, _, err := store.LoginByPassword(req, "frank", "opensesame", "", 0); nvrerrors.KindOf(err) != nvrerrors.Unauthenticated {
		t.Fatalf("LoginByPassword for disabled user: err = %v, want Unauthenticated", err)
	}

	// Re-enabling restores both.
	if err := d.SetUserDisabled(uid, false); err != nil {
		t.Fatalf("SetUserDisabled(false): %v", err)
	}
	if _, _, err := store.AuthenticateSession(req, raw); err != nil {
		t.Fatalf("AuthenticateSession after re-enable: %v", err)
	}
}

func TestDeleteUserCascadesToSessions(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	uid := mustCreateUser(t, d, store, "erin", "letmein")

	req := Request{When: time.Now()}
	raw, _, err := store.LoginByPassword(req, "erin", "letmein", "", 0)
	if err != nil {
		t.Fatalf("LoginByPassword: %v", err)
	}
	if err := d.DeleteUser(uid); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, _, err := store.AuthenticateSession(req, raw); err == nil {
		t.Fatalf("AuthenticateSession succeeded after user deletion")
	} else if nvrerrors.KindOf(err) != nvrerrors.Unauthenticated {
		t.Fatalf("error kind = %v, want Unauthenticated", nvrerrors.KindOf(err))
	}
}

func TestRevokeSessionBlocksAuthenticate(t *testing.T) {
	d := mustOpenDB(t)
	store := New(d, TestScryptParams)
	mustCreateUser(t, d, store, "dave", "pa55word")

	req := Request{When: time.Now()}
	raw, _, err := store.LoginByPassword(req, "dave", "pa55word", "", 0)
	if err != nil {
		t.Fatalf("LoginByPassword: %v", err)
	}
	if err := store.RevokeSession(raw, db.RevocationLoggedOut, "user logged out", time.Now()); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, _, err := store.AuthenticateSession(req, raw); err == nil {
		t.Fatalf("AuthenticateSession succeeded after revocation")
	}
}
