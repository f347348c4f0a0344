// Package web exposes the HTTP API of spec.md §6 over the engine: the
// top-level JSON view, session login/logout, per-camera recording lists,
// on-the-fly .mp4/.m4s serving, init segments, signals, and user admin.
//
// The handler construction follows the teacher's main.go: each endpoint
// is a `func(deps) http.HandlerFunc` closure registered on a ServeMux,
// writing JSON through internal/httputil.
package web

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/auth"
	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/httputil"
	"github.com/scottlamb/moonfire-nvr-go/internal/logging"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
	"github.com/scottlamb/moonfire-nvr-go/internal/signal"
)

// sessionCookie is the name of the login cookie; its value is the
// unpadded base64 of the raw 48-byte session id.
const sessionCookie = "s"

var cookieEncoding = base64.StdEncoding.WithPadding(base64.NoPadding)

// Server holds the API's dependencies.
type Server struct {
	database  *db.Database
	authStore *auth.Store
	signals   *signal.Store
	pools     map[int32]*dir.Pool // by sample_file_dir id
	loc       *time.Location
	log       zerolog.Logger
}

// New constructs the API server.
func New(database *db.Database, authStore *auth.Store, signals *signal.Store,
	pools map[int32]*dir.Pool, loc *time.Location, log zerolog.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		database:  database,
		authStore: authStore,
		signals:   signals,
		pools:     pools,
		loc:       loc,
		log:       log.With().Str("component", "web.Server").Logger(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/", s.apiTopLevel())
	mux.HandleFunc("POST /api/login", s.apiLogin())
	mux.HandleFunc("POST /api/logout", s.apiLogout())
	mux.HandleFunc("GET /api/cameras/{uuid}/", s.apiCamera())
	mux.HandleFunc("GET /api/cameras/{uuid}/{type}/recordings", s.apiRecordings())
	mux.HandleFunc("GET /api/cameras/{uuid}/{type}/view.mp4", s.apiView(false))
	mux.HandleFunc("GET /api/cameras/{uuid}/{type}/view.m4s", s.apiView(true))
	mux.HandleFunc("GET /api/init/{id}", s.apiInit())
	mux.HandleFunc("GET /api/signals", s.apiSignalsGet())
	mux.HandleFunc("POST /api/signals", s.apiSignalsPost())
	mux.HandleFunc("POST /api/users", s.apiUserCreate())
	return mux
}

// writeError maps an engine error onto the HTTP status table of spec.md
// §7 and records the chain for the request log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := nvrerrors.HTTPStatus(err)
	// 401s deliberately don't leak the specific reason (spec.md §7): the
	// chain is logged here and not sent back in X-Error-Chain.
	if status == http.StatusUnauthorized {
		s.log.Warn().Err(err).Str("request_id", logging.RequestID(r.Context()).String()).Str("path", r.URL.Path).Msg("authentication failed")
		httputil.WriteError(w, status, "unauthenticated")
		return
	}
	w.Header().Set("X-Error-Chain", err.Error())
	if status >= 500 {
		s.log.Error().Err(err).Str("request_id", logging.RequestID(r.Context()).String()).Str("path", r.URL.Path).Msg("request failed")
		httputil.WriteError(w, status, "internal error")
		return
	}
	httputil.WriteError(w, status, err.Error())
}

// authenticate resolves the session cookie. An absent or invalid cookie
// is an Unauthenticated error.
func (s *Server) authenticate(r *http.Request) (db.Session, db.User, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "web.authenticate", errors.New("no session cookie"))
	}
	raw, err := cookieEncoding.DecodeString(c.Value)
	if err != nil || len(raw) != 48 {
		return db.Session{}, db.User{}, nvrerrors.New(nvrerrors.Unauthenticated, "web.authenticate", errors.New("malformed session cookie"))
	}
	return s.authStore.AuthenticateSession(auth.Request{
		When: time.Now(),
		Addr: r.RemoteAddr,
		UA:   r.UserAgent(),
	}, raw)
}

type topLevelCamera struct {
	UUID        string           `json:"uuid"`
	ShortName   string           `json:"shortName"`
	Description string           `json:"description,omitempty"`
	Streams     map[string]int32 `json:"streams"`
}

type topLevelResponse struct {
	TimeZoneName string           `json:"timeZoneName"`
	Cameras      []topLevelCamera `json:"cameras"`
	Signals      []signalJSON     `json:"signals"`
	User         *userJSON        `json:"user,omitempty"`
}

type userJSON struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
	CSRF string `json:"csrf"`
}

type signalJSON struct {
	ID       uint32 `json:"id"`
	UUID     string `json:"uuid"`
	TypeUUID string `json:"typeUuid"`
}

func (s *Server) apiTopLevel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			http.NotFound(w, r)
			return
		}
		session, user, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp := topLevelResponse{
			TimeZoneName: s.loc.String(),
			User: &userJSON{
				ID:   user.ID,
				Name: user.Username,
				CSRF: csrfString(session),
			},
		}
		for _, c := range s.database.Cameras() {
			cam := topLevelCamera{
				UUID:        c.UUID.String(),
				ShortName:   c.ShortName,
				Description: c.Description,
				Streams:     make(map[string]int32),
			}
			for _, st := range s.database.StreamsForCamera(c.ID) {
				cam.Streams[string(st.Type)] = st.ID
			}
			resp.Cameras = append(resp.Cameras, cam)
		}
		for _, sig := range s.database.Signals() {
			resp.Signals = append(resp.Signals, signalJSON{ID: sig.ID, UUID: sig.UUID.String(), TypeUUID: sig.TypeUUID.String()})
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func csrfString(session db.Session) string {
	tok := auth.CSRFToken(session)
	return cookieEncoding.EncodeToString(tok[:])
}

// csrfMatches compares in constant time (spec.md §8, "Auth").
func csrfMatches(session db.Session, presented string) bool {
	want := csrfString(session)
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}

func (s *Server) apiLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := httputil.DecodeJSON(r, &req); err != nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiLogin", err))
			return
		}
		flags := db.SessionFlagHTTPOnly | db.SessionFlagSameSite
		raw, _, err := s.authStore.LoginByPassword(auth.Request{
			When: time.Now(),
			Addr: r.RemoteAddr,
			UA:   r.UserAgent(),
		}, req.Username, req.Password, r.Host, flags)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    cookieEncoding.EncodeToString(raw),
			Path:     "/",
			MaxAge:   2147483648,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) apiLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CSRF string `json:"csrf"`
		}
		if err := httputil.DecodeJSON(r, &req); err != nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiLogout", err))
			return
		}
		session, _, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !csrfMatches(session, req.CSRF) {
			s.writeError(w, r, nvrerrors.New(nvrerrors.PermissionDenied, "web.apiLogout", errors.New("csrf mismatch")))
			return
		}
		c, _ := r.Cookie(sessionCookie)
		raw, _ := cookieEncoding.DecodeString(c.Value)
		if err := s.authStore.RevokeSession(raw, db.RevocationLoggedOut, "logout", time.Now()); err != nil {
			s.writeError(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) apiCamera() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := s.authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		cam, ok := s.cameraFromPath(r)
		if !ok {
			s.writeError(w, r, nvrerrors.New(nvrerrors.NotFound, "web.apiCamera", errors.New("no such camera")))
			return
		}
		resp := topLevelCamera{
			UUID:        cam.UUID.String(),
			ShortName:   cam.ShortName,
			Description: cam.Description,
			Streams:     make(map[string]int32),
		}
		for _, st := range s.database.StreamsForCamera(cam.ID) {
			resp.Streams[string(st.Type)] = st.ID
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) cameraFromPath(r *http.Request) (db.Camera, bool) {
	u, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		return db.Camera{}, false
	}
	return s.database.CameraByUUID(u)
}

// streamFromPath resolves {uuid}/{type} to a stream row.
func (s *Server) streamFromPath(r *http.Request) (db.Stream, error) {
	cam, ok := s.cameraFromPath(r)
	if !ok {
		return db.Stream{}, nvrerrors.New(nvrerrors.NotFound, "web.streamFromPath", errors.New("no such camera"))
	}
	typ := r.PathValue("type")
	for _, st := range s.database.StreamsForCamera(cam.ID) {
		if string(st.Type) == typ {
			return st, nil
		}
	}
	return db.Stream{}, nvrerrors.New(nvrerrors.NotFound, "web.streamFromPath", errors.New("no such stream"))
}

type recordingJSON struct {
	StartID            int32 `json:"startId"`
	EndID              int32 `json:"endId"`
	RunStartID         int32 `json:"runStartId"`
	StartTime90k       int64 `json:"startTime90k"`
	EndTime90k         int64 `json:"endTime90k"`
	SampleFileBytes    int64 `json:"sampleFileBytes"`
	VideoSamples       int64 `json:"videoSamples"`
	VideoSampleEntryID int32 `json:"videoSampleEntryId"`
}

func (s *Server) apiRecordings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := s.authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		stream, err := s.streamFromPath(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		start := parseTime90k(q.Get("startTime90k"), 0)
		end := parseTime90k(q.Get("endTime90k"), recording.Time90k(1<<62))
		split := parseTime90k(q.Get("split90k"), 0)
		aggs, err := s.database.ListAggregatedRecordings(stream.ID, start, end, split)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp := struct {
			Recordings []recordingJSON `json:"recordings"`
		}{Recordings: []recordingJSON{}}
		for _, a := range aggs {
			resp.Recordings = append(resp.Recordings, recordingJSON{
				StartID:            a.FirstCompositeID.RecordingID(),
				EndID:              a.LastCompositeID.RecordingID(),
				RunStartID:         a.RunStartID,
				StartTime90k:       int64(a.StartTime90k),
				EndTime90k:         int64(a.EndTime90k),
				SampleFileBytes:    a.SampleFileBytes,
				VideoSamples:       a.VideoSamples,
				VideoSampleEntryID: a.VideoSampleEntryID,
			})
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func parseTime90k(s string, def recording.Time90k) recording.Time90k {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return recording.Time90k(v)
}

type signalChangeJSON struct {
	Time90k int64  `json:"time90k"`
	Signal  uint32 `json:"signalId"`
	State   uint16 `json:"state"`
}

func (s *Server) apiSignalsGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := s.authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		start := parseTime90k(q.Get("startTime90k"), 0)
		end := parseTime90k(q.Get("endTime90k"), recording.Time90k(1<<62))
		resp := struct {
			Changes []signalChangeJSON `json:"changes"`
		}{Changes: []signalChangeJSON{}}
		err := s.signals.ListChangesByTime(start, end, func(t recording.Time90k, sig uint32, state signal.State) error {
			resp.Changes = append(resp.Changes, signalChangeJSON{Time90k: int64(t), Signal: sig, State: uint16(state)})
			return nil
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) apiSignalsPost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, _, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req struct {
			CSRF         string   `json:"csrf"`
			SignalIDs    []uint32 `json:"signalIds"`
			States       []uint16 `json:"states"`
			StartTime90k int64    `json:"startTime90k"`
			EndTime90k   int64    `json:"endTime90k"`
		}
		if err := httputil.DecodeJSON(r, &req); err != nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiSignalsPost", err))
			return
		}
		if !csrfMatches(session, req.CSRF) {
			s.writeError(w, r, nvrerrors.New(nvrerrors.PermissionDenied, "web.apiSignalsPost", errors.New("csrf mismatch")))
			return
		}
		states := make([]signal.State, len(req.States))
		for i, st := range req.States {
			states[i] = signal.State(st)
		}
		validator, err := s.signalValidator()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		err = s.signals.UpdateSignals(recording.Time90k(req.StartTime90k), recording.Time90k(req.EndTime90k),
			req.SignalIDs, states, validator)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// signalValidator builds the per-type valid-states check of spec.md §4.7
// from the signal and signal_type tables.
func (s *Server) signalValidator() (signal.TypeValidator, error) {
	types, err := s.database.SignalTypeStates()
	if err != nil {
		return nil, err
	}
	byID := make(map[uint32]uint16)
	for _, sig := range s.database.Signals() {
		byID[sig.ID] = types[sig.TypeUUID]
	}
	return func(signalID uint32, state signal.State) bool {
		mask, ok := byID[signalID]
		if !ok {
			return false
		}
		return state < 16 && mask&(1<<state) != 0
	}, nil
}

func (s *Server) apiUserCreate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, _, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req struct {
			CSRF     string `json:"csrf"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := httputil.DecodeJSON(r, &req); err != nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiUserCreate", err))
			return
		}
		if !csrfMatches(session, req.CSRF) {
			s.writeError(w, r, nvrerrors.New(nvrerrors.PermissionDenied, "web.apiUserCreate", errors.New("csrf mismatch")))
			return
		}
		hash, err := s.authStore.HashPassword(req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u, err := s.database.CreateUser(req.Username, hash)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, userJSON{ID: u.ID, Name: u.Username})
	}
}
