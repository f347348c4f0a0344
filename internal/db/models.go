package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// User is the in-memory form of the user table (spec.md §3). Disabled
// blocks both password login and authentication of existing sessions.
type User struct {
	ID                   int32
	Username             string
	PasswordHash         string
	PasswordID           int32
	PasswordFailureCount int64
	Disabled             bool
	Permissions          []byte
	Preferences          string
}

// SessionFlags mirrors the cookie-attribute bitmask of spec.md §3.
type SessionFlags uint32

const (
	SessionFlagHTTPOnly SessionFlags = 1 << iota
	SessionFlagSecure
	SessionFlagSameSite
	SessionFlagSameSiteStrict
)

// RevocationReason enumerates why a session was revoked. SPEC_FULL.md's
// "RevocationReason.Corrupt variant" supplement adds Corrupt to the
// original's {LoggedOut, AsUser, PasswordChanged} modeled by
// spec.md's generic "reason" field, for sessions discovered unreadable
// during a consistency pass.
type RevocationReason int32

const (
	RevocationNone RevocationReason = iota
	RevocationLoggedOut
	RevocationRevokedByUser
	RevocationPasswordChanged
	RevocationCorrupt
)

// Session is the in-memory form of a user_session row, keyed by the
// blake3 hash of the raw (never-stored) session id.
type Session struct {
	HashedID         [24]byte
	UserID           int32
	Seed             [32]byte
	Flags            SessionFlags
	Domain           string
	CreationTime     time.Time
	CreationAddr     string
	CreationUA       string
	Permissions      []byte
	LastUseTime      time.Time
	LastUseAddr      string
	LastUseUA        string
	UseCount         int64
	RevocationReason RevocationReason
	RevocationDetail string
	RevocationTime   time.Time

	dirty bool
}

// Camera is the in-memory form of the camera table.
type Camera struct {
	ID          int32
	UUID        uuid.UUID
	ShortName   string
	Description string
	OnvifHost   string
	Username    string
	Password    string
}

// StreamType distinguishes a camera's main and sub stream slots.
type StreamType string

const (
	StreamMain StreamType = "main"
	StreamSub  StreamType = "sub"
)

// Stream is the in-memory form of the stream table, including the
// cumulative counters invariant (I4) depends on.
type Stream struct {
	ID                  int32
	CameraID            int32
	Type                StreamType
	SampleFileDirID     *int32
	RTSPURL             string
	RTSPTransport       string
	Record              bool
	FlushIfSec          int64
	RetainBytes         int64
	CumRecordings       int32
	CumMediaDuration90k int64
	CumRuns             int64
}

// SampleFileDir is the in-memory form of the sample_file_dir table.
type SampleFileDir struct {
	ID                 int32
	UUID               uuid.UUID
	Path               string
	LastCompleteOpenID *recording.OpenID
}

// VideoSampleEntry is the in-memory form of the video_sample_entry table:
// deduplicated by content (spec.md §3).
type VideoSampleEntry struct {
	ID           int32
	SHA1         [20]byte
	Width        uint16
	Height       uint16
	PaspHSpacing uint16
	PaspVSpacing uint16
	RFC6381Codec string
	Data         []byte
}

// Recording is the in-memory/row form of a committed recording (spec.md
// §3). It is written exactly once.
type Recording struct {
	CompositeID           recording.CompositeID
	StreamID              int32
	OpenID                recording.OpenID
	RunOffset             int32
	Flags                 uint32
	StartTime90k          recording.Time90k
	WallDuration90k       int32
	MediaDurationDelta90k int32
	VideoSamples          int32
	VideoSyncSamples      int32
	SampleFileBytes       int32
	VideoSampleEntryID    int32
	PrevMediaDuration90k  int64
	PrevRuns              int64
	EndReason             string
}

// RecordingFlagTrailingZero marks a recording whose final frame carries a
// synthesized zero duration (invariant I6: such a recording may not be
// followed by another in an mp4 assembly).
const RecordingFlagTrailingZero = 1 << 0

// MediaDuration90k returns the recording's actual media duration, which
// may differ from WallDuration90k by MediaDurationDelta90k (clock drift
// compensation, spec.md §3).
func (r *Recording) MediaDuration90k() int64 {
	return int64(r.WallDuration90k) + int64(r.MediaDurationDelta90k)
}

// Signal is the in-memory form of the signal table.
type Signal struct {
	ID       uint32
	UUID     uuid.UUID
	TypeUUID uuid.UUID
	Config   string
}
