package recording

import (
	"bytes"
	"fmt"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

// SampleIndexEncoder is the additive encoder of spec.md §4.1: it holds the
// running (last_duration, last_size, total_duration, total_bytes,
// video_samples, video_sync_samples) and appends a variable-length
// (duration_delta, size_delta, is_key) triple to a buffer on every
// AddSample call, updating the recording's aggregate counters in place.
//
// Per frame the deltas are taken against the previous frame's (duration,
// size); the first frame's deltas are against zero. Each delta is
// ZigZag-encoded to an unsigned integer and then varint-encoded; the low
// bit of the duration_delta varint is stolen to carry is_key.
type SampleIndexEncoder struct {
	lastDurationSet  bool
	lastDuration90k  int32
	lastSizeBytes    int32
	TotalDuration90k int64
	TotalBytes       int64
	VideoSamples     int32
	VideoSyncSamples int32
}

// NewSampleIndexEncoder returns a fresh encoder with all aggregates zero.
func NewSampleIndexEncoder() *SampleIndexEncoder {
	return &SampleIndexEncoder{}
}

// AddSample appends the varint-encoded (duration, size, is_key) triple for
// one frame to buf and advances the running aggregates. duration90k and
// sizeBytes are the frame's absolute values, not deltas; the encoder
// computes the deltas against the previous call's values.
func (e *SampleIndexEncoder) AddSample(buf *bytes.Buffer, duration90k int32, sizeBytes int32, isKey bool) {
	durationDelta := int64(duration90k) - int64(e.lastDuration90k)
	sizeDelta := int64(sizeBytes) - int64(e.lastSizeBytes)
	if !e.lastDurationSet {
		durationDelta = int64(duration90k)
		sizeDelta = int64(sizeBytes)
	}

	durationU := zigzagEncode(durationDelta)
	durationU = durationU<<1 | boolToU64(isKey)
	putUvarint(buf, durationU)
	putUvarint(buf, zigzagEncode(sizeDelta))

	e.lastDuration90k = duration90k
	e.lastSizeBytes = sizeBytes
	e.lastDurationSet = true

	e.TotalDuration90k += int64(duration90k)
	e.TotalBytes += int64(sizeBytes)
	e.VideoSamples++
	if isKey {
		e.VideoSyncSamples++
	}
}

// Sample is one decoded frame entry: the running start time and the
// frame's (duration, size, is_key).
type Sample struct {
	Start90k    int64
	Duration90k int32
	Bytes       int32
	IsKey       bool
}

// SampleIndexIterator is the restartable decoder cursor of spec.md §4.1.
// Each call to Next decodes one more frame; it reports truncation or a
// malformed varint as a DataLoss error, matching spec.md §7's taxonomy.
type SampleIndexIterator struct {
	data []byte
	pos  int

	lastDurationSet bool
	lastDuration90k int32
	lastSizeBytes   int32
	runningStart    int64

	TotalDuration90k int64
	TotalBytes       int64
	VideoSamples     int32
	VideoSyncSamples int32

	err error
}

// NewSampleIndexIterator constructs a cursor over an encoded index blob,
// restartable by simply constructing another cursor over the same slice.
func NewSampleIndexIterator(data []byte) *SampleIndexIterator {
	return &SampleIndexIterator{data: data}
}

// Done reports whether the cursor has consumed the whole blob (or hit an
// error, in which case Err is non-nil).
func (it *SampleIndexIterator) Done() bool {
	return it.err != nil || it.pos >= len(it.data)
}

// Err returns the first decode error encountered, if any.
func (it *SampleIndexIterator) Err() error {
	return it.err
}

// Next decodes the next sample. It must not be called once Done reports
// true.
func (it *SampleIndexIterator) Next() (Sample, error) {
	if it.err != nil {
		return Sample{}, it.err
	}
	durationU, n, ok := getUvarint(it.data[it.pos:])
	if !ok {
		it.err = nvrerrors.New(nvrerrors.DataLoss, "recording.SampleIndexIterator.Next", fmt.Errorf("truncated or malformed duration varint at offset %d", it.pos))
		return Sample{}, it.err
	}
	it.pos += n
	isKey := durationU&1 != 0
	durationDelta := zigzagDecode(durationU >> 1)

	sizeU, n, ok := getUvarint(it.data[it.pos:])
	if !ok {
		it.err = nvrerrors.New(nvrerrors.DataLoss, "recording.SampleIndexIterator.Next", fmt.Errorf("truncated or malformed size varint at offset %d", it.pos))
		return Sample{}, it.err
	}
	it.pos += n
	sizeDelta := zigzagDecode(sizeU)

	var duration90k, sizeBytes int64
	if !it.lastDurationSet {
		duration90k = durationDelta
		sizeBytes = sizeDelta
	} else {
		duration90k = int64(it.lastDuration90k) + durationDelta
		sizeBytes = int64(it.lastSizeBytes) + sizeDelta
	}
	it.lastDuration90k = int32(duration90k)
	it.lastSizeBytes = int32(sizeBytes)
	it.lastDurationSet = true

	if sizeBytes <= 0 {
		it.err = nvrerrors.New(nvrerrors.DataLoss, "recording.SampleIndexIterator.Next", fmt.Errorf("non-positive sample size %d", sizeBytes))
		return Sample{}, it.err
	}

	s := Sample{
		Start90k:    it.runningStart,
		Duration90k: int32(duration90k),
		Bytes:       int32(sizeBytes),
		IsKey:       isKey,
	}
	it.runningStart += duration90k
	it.TotalDuration90k += duration90k
	it.TotalBytes += sizeBytes
	it.VideoSamples++
	if isKey {
		it.VideoSyncSamples++
	}
	return s, nil
}

// All decodes the full blob into a slice, for tests and small-recording
// call sites. Large recordings should use Next directly to avoid holding
// every sample in memory at once.
func (it *SampleIndexIterator) All() ([]Sample, error) {
	var out []Sample
	for !it.Done() {
		s, err := it.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func zigzagEncode(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	buf.Write(tmp[:n])
}

func getUvarint(b []byte) (uint64, int, bool) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		if shift >= 64 {
			return 0, 0, false
		}
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return v, i + 1, true
		}
		shift += 7
	}
	return 0, 0, false
}
