// Package signal implements spec.md §4.7: a named, uuid-identified
// enum-valued time series compressed into a timeline of change points,
// with a per-calendar-day duration index.
//
// Grounded on original_source/server/db/signal.rs (Point, the three-stage
// update_signals algorithm, the days adjustment). Like internal/recording's
// sample index, the Point wire format is a custom delta-varint encoding;
// no pack library implements this family of formats, so it is hand-rolled
// on stdlib encoding/binary the same way internal/recording is.
package signal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// State is a signal's value: 0 is always "unknown"; 1..15 are defined
// per signal type (spec.md §4.7).
type State uint8

// StateMap is a sparse signal-id -> state map; signals absent from the
// map are implicitly state 0 ("unknown").
type StateMap map[uint32]State

// apply returns the result of layering changes on top of prev: a change
// value of 0 removes the signal from the result (reverts to unknown).
func (prev StateMap) apply(changes StateMap) StateMap {
	out := make(StateMap, len(prev)+len(changes))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range changes {
		if v == 0 {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	return out
}

// clone returns a shallow copy.
func (prev StateMap) clone() StateMap {
	out := make(StateMap, len(prev))
	for k, v := range prev {
		out[k] = v
	}
	return out
}

// Point is one change point in the timeline: prev is the state map
// immediately before Time; Changes is what changes at Time (spec.md
// §4.7: "prev-state-map, changes-at-this-instant").
type Point struct {
	Time    recording.Time90k
	Prev    StateMap
	Changes StateMap
}

// encodeHalf writes one (signal_id_delta, state) sequence in ascending
// signal id order.
func encodeHalf(m StateMap) []byte {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf []byte
	var last uint32
	for _, id := range ids {
		var tmp [binary.MaxVarintLen32]byte
		n := binary.PutUvarint(tmp[:], uint64(id-last))
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(m[id]))
		buf = append(buf, tmp[:n]...)
		last = id
	}
	return buf
}

func decodeHalf(b []byte) (StateMap, error) {
	out := make(StateMap)
	var last uint32
	for len(b) > 0 {
		delta, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, fmt.Errorf("truncated signal id delta")
		}
		b = b[n:]
		state, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, fmt.Errorf("truncated signal state")
		}
		b = b[n:]
		id := last + uint32(delta)
		out[id] = State(state)
		last = id
	}
	return out, nil
}

// Encode serializes the point's prev/changes halves into a single buffer
// plus the byte offset separating them (spec.md §4.7: "a single byte
// buffer split at changes_off").
func (p *Point) Encode() (buf []byte, changesOff int) {
	prevBytes := encodeHalf(p.Prev)
	changesBytes := encodeHalf(p.Changes)
	buf = make([]byte, 0, len(prevBytes)+len(changesBytes))
	buf = append(buf, prevBytes...)
	buf = append(buf, changesBytes...)
	return buf, len(prevBytes)
}

// EncodeChanges serializes just the changes half of a point, the form
// persisted in the index's signal_change table.
func EncodeChanges(m StateMap) []byte {
	return encodeHalf(m)
}

// DecodeChanges parses a persisted changes half.
func DecodeChanges(b []byte) (StateMap, error) {
	m, err := decodeHalf(b)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "signal.DecodeChanges", err)
	}
	return m, nil
}

// DecodePoint parses the buffer produced by Encode.
func DecodePoint(time recording.Time90k, buf []byte, changesOff int) (*Point, error) {
	if changesOff < 0 || changesOff > len(buf) {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "signal.DecodePoint", fmt.Errorf("changes_off %d out of range for %d-byte buffer", changesOff, len(buf)))
	}
	prev, err := decodeHalf(buf[:changesOff])
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "signal.DecodePoint", err)
	}
	changes, err := decodeHalf(buf[changesOff:])
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "signal.DecodePoint", err)
	}
	return &Point{Time: time, Prev: prev, Changes: changes}, nil
}
