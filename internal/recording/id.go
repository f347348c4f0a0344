// Package recording implements the sample index codec and the composite
// recording id shared by the directory pool, the index database, and the
// mp4 assembler.
package recording

import "fmt"

// CompositeID packs a stream id and a recording id scoped to that stream
// into a single i64, per spec.md §3 ("Composite id"): (stream_id << 32) |
// recording_id. It is the sole on-disk filename (16 lowercase hex digits)
// and the sole database key for a recording.
type CompositeID int64

// NewCompositeID packs streamID and recordingID, matching the Run layout
// of spec.md §3: recording ids are scoped within a stream.
func NewCompositeID(streamID int32, recordingID int32) CompositeID {
	return CompositeID(int64(streamID)<<32 | int64(uint32(recordingID)))
}

// StreamID returns the stream component.
func (c CompositeID) StreamID() int32 {
	return int32(int64(c) >> 32)
}

// RecordingID returns the recording-within-stream component.
func (c CompositeID) RecordingID() int32 {
	return int32(uint32(c))
}

// Filename renders the 16 lowercase hex digit filename used under a
// sample-file directory (spec.md §3 "On-disk directory layout").
func (c CompositeID) Filename() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// ParseCompositeID parses a 16-hex-digit filename back into a CompositeID.
// It returns false if s is not exactly 16 lowercase hex digits.
func ParseCompositeID(s string) (CompositeID, bool) {
	if len(s) != 16 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 16; i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		default:
			return 0, false
		}
		v = v<<4 | d
	}
	return CompositeID(v), true
}

// OpenID is the monotonic per-process-lifetime counter of spec.md's
// glossary entry "Open id": incremented once per process lifetime that
// opens the index database for writes.
type OpenID uint32
