// Package auth implements spec.md §4.6: password login, session
// authentication, CSRF token derivation, and revocation, backed by
// internal/db's user/session tables.
//
// Grounded on original_source/server/db/auth.rs almost 1:1 at the
// operation level (login_by_password, make_session, authenticate_session,
// revoke_session), translated into scrypt (golang.org/x/crypto/scrypt)
// and blake3 (lukechampine.com/blake3) the way the original uses scrypt
// and blake3 directly.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
	"lukechampine.com/blake3"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

// ScryptParams are the tunable cost parameters spec.md §4.6 says are
// "fixed at process initialization".
type ScryptParams struct {
	N, R, P int
	KeyLen  int
}

// ProductionScryptParams matches the original's production defaults.
var ProductionScryptParams = ScryptParams{N: 1 << 14, R: 8, P: 1, KeyLen: 32}

// TestScryptParams are "insecure-but-fast test parameters" per spec.md
// §4.6, for test-mode initializers to call before first use.
var TestScryptParams = ScryptParams{N: 1 << 4, R: 8, P: 1, KeyLen: 32}

// Store wraps a *db.Database with the login/authenticate/revoke
// operations of spec.md §4.6. It holds no state of its own beyond the
// scrypt parameters: every user/session row lives in db.Database's cache.
type Store struct {
	database *db.Database
	scrypt   ScryptParams
}

// New constructs a Store using the given scrypt parameters (production
// or test, per spec.md §4.6's "fixed at process initialization").
func New(database *db.Database, params ScryptParams) *Store {
	return &Store{database: database, scrypt: params}
}

// hashPassword renders a "scrypt$N$r$p$salt$hash" encoded password hash,
// following the self-describing-hash-string convention common to scrypt
// implementations (so ProductionScryptParams can change over time without
// invalidating stored hashes).
func hashPassword(params ScryptParams, password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", nvrerrors.New(nvrerrors.Internal, "auth.hashPassword", err)
	}
	hash, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return "", nvrerrors.New(nvrerrors.Internal, "auth.hashPassword", err)
	}
	return fmt.Sprintf("scrypt$%d$%d$%d$%x$%x", params.N, params.R, params.P, salt, hash), nil
}

// HashPassword hashes password with the store's configured parameters,
// for user creation/password-change flows.
func (s *Store) HashPassword(password string) (string, error) {
	return hashPassword(s.scrypt, password)
}

// checkPassword verifies password against an encoded hash in constant
// time, per spec.md §4.6 ("Verification uses constant-time comparison").
func checkPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", fmt.Errorf("malformed password hash"))
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	r, err := strconv.Atoi(parts[2])
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	p, err := strconv.Atoi(parts[3])
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	salt, err := hex.DecodeString(parts[4])
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	want, err := hex.DecodeString(parts[5])
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	got, err := scrypt.Key([]byte(password), salt, n, r, p, len(want))
	if err != nil {
		return false, nvrerrors.New(nvrerrors.Internal, "auth.checkPassword", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Request is the creation/use context recorded on a session, per spec.md
// §3's Session entity.
type Request struct {
	When time.Time
	Addr string
	UA   string
}

// LoginFlags mirrors the cookie-attribute bitmask requested at login
// time.
type LoginFlags = db.SessionFlags

// LoginByPassword implements spec.md §4.6's login_by_password: on
// success it returns the raw (never-stored) 48-byte session id and the
// created Session; every failure (no such user, disabled user, wrong
// password) is an Unauthenticated error, with a message naming the check
// that failed.
func (s *Store) LoginByPassword(req Request, username, password, domain string, flags LoginFlags) ([]byte, db.Session, error) {
	u, ok := s.database.UserByName(username)
	if !ok {
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.LoginByPassword", fmt.Errorf("no such user"))
	}
	if u.Disabled {
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.LoginByPassword", fmt.Errorf("user is disabled"))
	}
	if u.PasswordHash == "" {
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.LoginByPassword", fmt.Errorf("user has no password set"))
	}
	ok, err := checkPassword(u.PasswordHash, password)
	if err != nil {
		return nil, db.Session{}, nvrerrors.Wrap(nvrerrors.Unauthenticated, "auth.LoginByPassword", err)
	}
	if !ok {
		u.PasswordFailureCount++
		s.database.MarkUserDirty(u)
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.LoginByPassword", fmt.Errorf("incorrect password"))
	}

	rawSessionID := make([]byte, 48)
	if _, err := rand.Read(rawSessionID); err != nil {
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Internal, "auth.LoginByPassword", err)
	}
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, db.Session{}, nvrerrors.New(nvrerrors.Internal, "auth.LoginByPassword", err)
	}

	session := db.Session{
		HashedID:     hashSessionID(rawSessionID),
		UserID:       u.ID,
		Seed:         seed,
		Flags:        flags,
		Domain:       domain,
		CreationTime: req.When,
		CreationAddr: req.Addr,
		CreationUA:   req.UA,
		Permissions:  append([]byte{}, u.Permissions...),
	}
	if err := s.database.InsertSession(session); err != nil {
		return nil, db.Session{}, err
	}
	return rawSessionID, session, nil
}

// hashSessionID implements spec.md §4.6 step 4: "Hash the raw id with
// blake3-keyed (keyed on nothing; just blake3) to 24 bytes".
func hashSessionID(raw []byte) [24]byte {
	full := blake3.Sum256(raw)
	var out [24]byte
	copy(out[:], full[:24])
	return out
}

// AuthenticateSession implements spec.md §4.6's authenticate_session: it
// looks up the session by the hash of the presented raw id, checks
// revocation and the owning user's disabled state, and records use.
func (s *Store) AuthenticateSession(req Request, rawSessionID []byte) (db.Session, db.User, error) {
	hash := hashSessionID(rawSessionID)
	session, ok := s.database.SessionByHash(hash)
	if !ok {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.AuthenticateSession", fmt.Errorf("no such session"))
	}
	if session.RevocationReason != db.RevocationNone {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.AuthenticateSession", fmt.Errorf("session revoked"))
	}
	user, ok := s.database.UserByID(session.UserID)
	if !ok {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.AuthenticateSession", fmt.Errorf("session's user no longer exists"))
	}
	if user.Disabled {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "auth.AuthenticateSession", fmt.Errorf("user is disabled"))
	}

	session.LastUseTime = req.When
	session.LastUseAddr = req.Addr
	session.LastUseUA = req.UA
	session.UseCount++
	s.database.MarkSessionDirty(session)

	return session, user, nil
}

// CSRFToken implements spec.md §4.6's CSRF derivation: blake3_keyed(seed,
// "csrf") truncated to 24 bytes, recomputed on demand and never stored.
func CSRFToken(session db.Session) [24]byte {
	h := blake3.New(32, session.Seed[:])
	h.Write([]byte("csrf"))
	full := h.Sum(nil)
	var out [24]byte
	copy(out[:], full[:24])
	return out
}

// RevokeSession implements spec.md §4.6's revoke_session.
func (s *Store) RevokeSession(rawSessionID []byte, reason db.RevocationReason, detail string, at time.Time) error {
	hash := hashSessionID(rawSessionID)
	return s.database.RevokeSession(hash, reason, detail, at.Unix())
}
