package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/auth"
	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
	"github.com/scottlamb/moonfire-nvr-go/internal/signal"
	"github.com/scottlamb/moonfire-nvr-go/internal/writer"
)

func TestParseSegmentSpec(t *testing.T) {
	open42 := recording.OpenID(42)
	cases := []struct {
		in   string
		want segmentSpec
		bad  bool
	}{
		{in: "1", want: segmentSpec{startID: 1, endID: 1, relEnd: -1}},
		{in: "1-5", want: segmentSpec{startID: 1, endID: 5, relEnd: -1}},
		{in: "1@42.100-", want: segmentSpec{startID: 1, endID: 1, openID: &open42, relStart: 100, relEnd: -1}},
		{in: "1-5.26-42", want: segmentSpec{startID: 1, endID: 5, relStart: 26, relEnd: 42}},
		{in: "1-5.-42", want: segmentSpec{startID: 1, endID: 5, relEnd: 42}},
		{in: "", bad: true},
		{in: "5-1", bad: true},
		{in: "1.42-26", bad: true},
		{in: "1.x-", bad: true},
		{in: "-3", bad: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseSegmentSpec(tc.in)
			if tc.bad {
				if err == nil {
					t.Fatalf("parseSegmentSpec(%q) accepted, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSegmentSpec(%q): %v", tc.in, err)
			}
			if got.startID != tc.want.startID || got.endID != tc.want.endID ||
				got.relStart != tc.want.relStart || got.relEnd != tc.want.relEnd {
				t.Fatalf("parseSegmentSpec(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
			if (got.openID == nil) != (tc.want.openID == nil) {
				t.Fatalf("openID presence mismatch for %q", tc.in)
			}
			if got.openID != nil && *got.openID != *tc.want.openID {
				t.Fatalf("openID = %d, want %d", *got.openID, *tc.want.openID)
			}
		})
	}
}

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	database, err := db.Open(db.Options{Path: filepath.Join(t.TempDir(), "db.sqlite3")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	authStore := auth.New(database, auth.TestScryptParams)
	signals := signal.NewStore(100, time.UTC)
	srv := New(database, authStore, signals, map[int32]*dir.Pool{}, time.UTC, zerolog.Nop())
	return srv, database
}

// TestLoginLogoutFlow is spec.md §8's end-to-end scenario 1.
func TestLoginLogoutFlow(t *testing.T) {
	srv, database := newTestServer(t)
	handler := srv.Handler()

	authStore := auth.New(database, auth.TestScryptParams)
	hash, err := authStore.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := database.CreateUser("slamb", hash); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	post := func(path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Wrong password: 401.
	if rec := post("/api/login", `{"username":"slamb","password":"asdf"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-password login: status %d, want 401", rec.Code)
	}

	// Correct password: 204 + cookie.
	rec := post("/api/login", `{"username":"slamb","password":"hunter2"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login: status %d, want 204 (%s)", rec.Code, rec.Body)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "s" || cookies[0].Value == "" {
		t.Fatalf("login cookies = %v, want one non-empty s cookie", cookies)
	}
	cookie := cookies[0]
	if !cookie.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}

	// GET /api/ with cookie: 200 with user.name.
	req := httptest.NewRequest("GET", "/api/", nil)
	req.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("GET /api/: status %d, want 200 (%s)", rec2.Code, rec2.Body)
	}
	var top struct {
		User *struct {
			Name string `json:"name"`
			CSRF string `json:"csrf"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &top); err != nil {
		t.Fatalf("decode /api/: %v", err)
	}
	if top.User == nil || top.User.Name != "slamb" {
		t.Fatalf("/api/ user = %+v, want name slamb", top.User)
	}

	// GET /api/ without cookie: 401.
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, httptest.NewRequest("GET", "/api/", nil))
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/ without cookie: status %d, want 401", rec3.Code)
	}

	// Logout with the matching csrf: 204 + cleared cookie.
	rec4 := post("/api/logout", fmt.Sprintf(`{"csrf":%q}`, top.User.CSRF), cookie)
	if rec4.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d, want 204 (%s)", rec4.Code, rec4.Body)
	}
	cleared := rec4.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("logout cookies = %v, want a cleared s cookie", cleared)
	}

	// GET /api/ with the old cookie: 401 (session revoked).
	req5 := httptest.NewRequest("GET", "/api/", nil)
	req5.AddCookie(cookie)
	rec5 := httptest.NewRecorder()
	handler.ServeHTTP(rec5, req5)
	if rec5.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/ after logout: status %d, want 401", rec5.Code)
	}

	// Logout with a wrong csrf on a fresh session: 403.
	rec6 := post("/api/login", `{"username":"slamb","password":"hunter2"}`, nil)
	if rec6.Code != http.StatusNoContent {
		t.Fatalf("re-login: status %d", rec6.Code)
	}
	fresh := rec6.Result().Cookies()[0]
	if rec7 := post("/api/logout", `{"csrf":"bogus"}`, fresh); rec7.Code != http.StatusForbidden {
		t.Fatalf("logout with bad csrf: status %d, want 403", rec7.Code)
	}
}

// TestViewMp4EndToEnd records three 1-second recordings through the
// writer pipeline and serves them back as one mp4.
func TestViewMp4EndToEnd(t *testing.T) {
	root := t.TempDir()
	database, err := db.Open(db.Options{Path: filepath.Join(root, "db.sqlite3")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	dirPath := filepath.Join(root, "sample")
	sd, err := database.AddSampleFileDir(dirPath, [16]byte{})
	if err != nil {
		t.Fatalf("AddSampleFileDir: %v", err)
	}
	if err := dir.InitDir(dirPath, database.UUID(), sd.UUID); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	cam, err := database.AddCamera(db.Camera{ShortName: "front"})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	stream, err := database.AddStream(db.Stream{CameraID: cam.ID, Type: db.StreamMain, SampleFileDirID: &sd.ID, Record: true})
	if err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	entryID, err := database.GetOrCreateVideoSampleEntry(db.VideoSampleEntry{
		SHA1: [20]byte{1}, Width: 1280, Height: 720, RFC6381Codec: "avc1.4d401f", Data: []byte("fake-avc1"),
	})
	if err != nil {
		t.Fatalf("GetOrCreateVideoSampleEntry: %v", err)
	}

	openID, _ := database.OpenID()
	pool := dir.New(dir.Config{
		Path:        dirPath,
		DBUUID:      database.UUID(),
		DirUUID:     sd.UUID,
		CurrentOpen: &dir.OpenRef{ID: openID, UUID: database.OpenUUID()},
	}, zerolog.Nop())
	if err := pool.Open(2); err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	if err := pool.CompleteOpenForWrite(); err != nil {
		t.Fatalf("CompleteOpenForWrite: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	syncer := writer.NewSyncer(database, pool, sd.ID, zerolog.Nop())
	t.Cleanup(syncer.Close)
	w, err := writer.New(database, pool, syncer, stream.ID, zerolog.Nop())
	if err != nil {
		t.Fatalf("writer.New: %v", err)
	}
	w.RotateIntervalSec = 1
	start := recording.Time90k(90000 * 500)
	for i := 0; i < 90; i++ {
		pts := start + recording.Time90k(i*3000)
		if err := w.WriteSample(pts, i%10 == 0, []byte("frame"), entryID); err != nil {
			t.Fatalf("WriteSample %d: %v", i, err)
		}
	}
	if err := w.Close(3000, "end"); err != nil {
		t.Fatalf("writer.Close: %v", err)
	}

	authStore := auth.New(database, auth.TestScryptParams)
	hash, _ := authStore.HashPassword("pw")
	if _, err := database.CreateUser("viewer", hash); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	srv := New(database, authStore, signal.NewStore(100, time.UTC), map[int32]*dir.Pool{sd.ID: pool}, time.UTC, zerolog.Nop())
	handler := srv.Handler()

	login := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"username":"viewer","password":"pw"}`))
	handler.ServeHTTP(login, req)
	if login.Code != http.StatusNoContent {
		t.Fatalf("login: %d (%s)", login.Code, login.Body)
	}
	cookie := login.Result().Cookies()[0]

	path := fmt.Sprintf("/api/cameras/%s/main/view.mp4?s=0-2", cam.UUID)
	viewReq := httptest.NewRequest("GET", path, nil)
	viewReq.AddCookie(cookie)
	view := httptest.NewRecorder()
	handler.ServeHTTP(view, viewReq)
	if view.Code != http.StatusOK {
		t.Fatalf("view.mp4: status %d (%s)", view.Code, view.Body)
	}
	if ct := view.Header().Get("Content-Type"); !strings.HasPrefix(ct, "video/mp4") {
		t.Fatalf("content type %q", ct)
	}
	if view.Header().Get("ETag") == "" {
		t.Fatal("missing ETag")
	}
	body := view.Body.Bytes()
	if len(body) < 8 || string(body[4:8]) != "ftyp" {
		t.Fatalf("response does not start with ftyp (%d bytes)", len(body))
	}
	// The mdat tail must be the concatenated frames: 90 x "frame".
	if !bytes.HasSuffix(body, bytes.Repeat([]byte("frame"), 90)) {
		t.Fatal("mdat does not end with the recorded sample bytes")
	}

	// An unknown recording id must 404.
	missReq := httptest.NewRequest("GET", fmt.Sprintf("/api/cameras/%s/main/view.mp4?s=7", cam.UUID), nil)
	missReq.AddCookie(cookie)
	miss := httptest.NewRecorder()
	handler.ServeHTTP(miss, missReq)
	if miss.Code != http.StatusNotFound {
		t.Fatalf("missing recording: status %d, want 404", miss.Code)
	}
}
