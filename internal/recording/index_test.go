package recording

import (
	"bytes"
	"testing"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

type frame struct {
	duration int32
	size     int32
	isKey    bool
}

func encodeAll(frames []frame) (*bytes.Buffer, *SampleIndexEncoder) {
	buf := &bytes.Buffer{}
	enc := NewSampleIndexEncoder()
	for _, f := range frames {
		enc.AddSample(buf, f.duration, f.size, f.isKey)
	}
	return buf, enc
}

func TestSampleIndexRoundTrip(t *testing.T) {
	cases := [][]frame{
		{},
		{{duration: 3000, size: 1000, isKey: true}},
		{
			{duration: 3000, size: 40000, isKey: true},
			{duration: 3000, size: 1000, isKey: false},
			{duration: 3000, size: 1200, isKey: false},
			{duration: 0, size: 900, isKey: false}, // trailing zero-duration frame
		},
		{
			// shrinking deltas, to exercise negative zigzag values
			{duration: 9000, size: 50000, isKey: true},
			{duration: 1000, size: 100, isKey: false},
			{duration: 9000, size: 60000, isKey: true},
		},
	}

	for i, frames := range cases {
		buf, enc := encodeAll(frames)
		it := NewSampleIndexIterator(buf.Bytes())
		got, err := it.All()
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if len(got) != len(frames) {
			t.Fatalf("case %d: got %d samples, want %d", i, len(got), len(frames))
		}
		var wantStart int64
		for j, f := range frames {
			if got[j].Start90k != wantStart {
				t.Errorf("case %d sample %d: start=%d want %d", i, j, got[j].Start90k, wantStart)
			}
			if got[j].Duration90k != f.duration {
				t.Errorf("case %d sample %d: duration=%d want %d", i, j, got[j].Duration90k, f.duration)
			}
			if got[j].Bytes != f.size {
				t.Errorf("case %d sample %d: bytes=%d want %d", i, j, got[j].Bytes, f.size)
			}
			if got[j].IsKey != f.isKey {
				t.Errorf("case %d sample %d: isKey=%v want %v", i, j, got[j].IsKey, f.isKey)
			}
			wantStart += int64(f.duration)
		}
		if it.TotalDuration90k != enc.TotalDuration90k {
			t.Errorf("case %d: total duration=%d want %d", i, it.TotalDuration90k, enc.TotalDuration90k)
		}
		if it.TotalBytes != enc.TotalBytes {
			t.Errorf("case %d: total bytes=%d want %d", i, it.TotalBytes, enc.TotalBytes)
		}
		if it.VideoSamples != enc.VideoSamples {
			t.Errorf("case %d: video samples=%d want %d", i, it.VideoSamples, enc.VideoSamples)
		}
		if it.VideoSyncSamples != enc.VideoSyncSamples {
			t.Errorf("case %d: sync samples=%d want %d", i, it.VideoSyncSamples, enc.VideoSyncSamples)
		}
	}
}

func TestSampleIndexTruncated(t *testing.T) {
	buf, _ := encodeAll([]frame{{duration: 3000, size: 1000, isKey: true}})
	truncated := buf.Bytes()[:1]
	it := NewSampleIndexIterator(truncated)
	_, err := it.Next()
	if err == nil {
		t.Fatal("expected data-loss error on truncated index")
	}
	if got := nvrerrors.KindOf(err); got != nvrerrors.DataLoss {
		t.Fatalf("got kind %v, want DataLoss", got)
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	id := NewCompositeID(42, 7)
	if id.StreamID() != 42 || id.RecordingID() != 7 {
		t.Fatalf("got stream=%d rec=%d", id.StreamID(), id.RecordingID())
	}
	fn := id.Filename()
	if len(fn) != 16 {
		t.Fatalf("filename %q not 16 chars", fn)
	}
	parsed, ok := ParseCompositeID(fn)
	if !ok || parsed != id {
		t.Fatalf("round trip failed: %v %v", parsed, ok)
	}
}
