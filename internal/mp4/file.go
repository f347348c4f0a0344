package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// lazyTables holds a segment's .mp4-format sample tables, generated from
// the index blob on first access and cached: stts in [0, 8f), stsz in
// [8f, 12f), stss in [12f, 12f+4k).
type lazyTables struct {
	once   sync.Once
	tables []byte
	err    error
}

func (s *segment) getTables() ([]byte, error) {
	s.once.Do(func() { s.tables, s.err = s.buildTables() })
	return s.tables, s.err
}

func (s *segment) sttsBytes() ([]byte, error) {
	t, err := s.getTables()
	if err != nil {
		return nil, err
	}
	return t[:8*s.frames], nil
}

func (s *segment) stszBytes() ([]byte, error) {
	t, err := s.getTables()
	if err != nil {
		return nil, err
	}
	return t[8*s.frames : 12*s.frames], nil
}

func (s *segment) stssBytes() ([]byte, error) {
	t, err := s.getTables()
	if err != nil {
		return nil, err
	}
	return t[12*s.frames:], nil
}

// buildTables walks the index blob with the same range-selection logic
// as newSegment, filling stts/stsz/stss in one pass. The final frame's
// duration is clamped so playback stops at the desired end.
func (s *segment) buildTables() ([]byte, error) {
	buf := make([]byte, 12*s.frames+4*s.keyFrames)
	stts := buf[:8*s.frames]
	stsz := buf[8*s.frames : 12*s.frames]
	stss := buf[12*s.frames:]

	it := recording.NewSampleIndexIterator(s.index)
	frame, keyFrame := 0, 0
	var lastStart, lastDur int32
	started := false
	for !it.Done() {
		sm, err := it.Next()
		if err != nil {
			return nil, err
		}
		if sm.IsKey && int32(sm.Start90k) <= s.relMediaStart {
			started = true
			frame, keyFrame = 0, 0
		}
		if int32(sm.Start90k) >= s.relMediaEnd {
			break
		}
		if !started {
			continue
		}
		binary.BigEndian.PutUint32(stts[8*frame:], 1)
		binary.BigEndian.PutUint32(stts[8*frame+4:], uint32(sm.Duration90k))
		binary.BigEndian.PutUint32(stsz[4*frame:], uint32(sm.Bytes))
		if sm.IsKey {
			binary.BigEndian.PutUint32(stss[4*keyFrame:], s.firstFrameNum+uint32(frame))
			keyFrame++
		}
		lastStart, lastDur = int32(sm.Start90k), sm.Duration90k
		frame++
	}
	if frame != s.frames || keyFrame != s.keyFrames {
		return nil, nvrerrors.New(nvrerrors.Internal, "mp4.segment.buildTables",
			fmt.Errorf("index changed shape: got %d/%d frames/keys, want %d/%d", frame, keyFrame, s.frames, s.keyFrames))
	}
	if frame > 0 {
		clamped := s.relMediaEnd - lastStart
		if clamped > lastDur {
			clamped = lastDur
		}
		binary.BigEndian.PutUint32(stts[8*frame-4:], uint32(clamped))
	}
	return buf, nil
}

func (s *segment) trunsLen() int64 {
	return 24*int64(s.keyFrames) + 8*int64(s.frames)
}

// buildTruns generates the segment's trun boxes: one per key-frame-led
// run, with an explicit first_sample_flags marking the sync sample
// (spec.md §4.5, "Media segment mode"). dataPos is the first sample's
// offset relative to the moof's first byte.
func (s *segment) buildTruns(dataPos int64) ([]byte, error) {
	v := make([]byte, 0, s.trunsLen())
	type runInfo struct {
		boxLenPos      int
		sampleCountPos int
		count          uint32
	}
	var run *runInfo
	var lastStart, lastDur int32
	finishRun := func() {
		if run == nil {
			return
		}
		binary.BigEndian.PutUint32(v[run.boxLenPos:], uint32(len(v)-run.boxLenPos))
		binary.BigEndian.PutUint32(v[run.sampleCountPos:], run.count)
		run = nil
	}

	it := recording.NewSampleIndexIterator(s.index)
	started := false
	for !it.Done() {
		sm, err := it.Next()
		if err != nil {
			return nil, err
		}
		if sm.IsKey && int32(sm.Start90k) <= s.relMediaStart {
			started = true
			v = v[:0]
			run = nil
		}
		if int32(sm.Start90k) >= s.relMediaEnd {
			break
		}
		if !started {
			continue
		}
		if sm.IsKey {
			finishRun()
			boxLenPos := len(v)
			v = append(v,
				0x00, 0x00, 0x00, 0x00, // size placeholder
				't', 'r', 'u', 'n',
				// version 0; tr_flags: data-offset-present |
				// first-sample-flags-present | sample-duration-present |
				// sample-size-present.
				0x00, 0x00, 0x03, 0x05,
			)
			run = &runInfo{boxLenPos: boxLenPos, sampleCountPos: len(v), count: 1}
			v = appendU32(v, 0) // sample count placeholder
			v = appendU32(v, uint32(dataPos))
			// first_sample_flags: not leading, doesn't depend on others,
			// others may depend on it, no redundancy, sync sample.
			v = appendU32(v, 2<<26|2<<24|1<<22|2<<20)
		} else {
			if run == nil {
				return nil, nvrerrors.New(nvrerrors.Internal, "mp4.segment.buildTruns",
					fmt.Errorf("non-key sample with no preceding key sample"))
			}
			run.count++
		}
		v = appendU32(v, uint32(sm.Duration90k))
		v = appendU32(v, uint32(sm.Bytes))
		dataPos += int64(sm.Bytes)
		lastStart, lastDur = int32(sm.Start90k), sm.Duration90k
	}
	if run != nil {
		// Clamp the final frame's duration before closing out the run.
		clamped := s.relMediaEnd - lastStart
		if clamped > lastDur {
			clamped = lastDur
		}
		binary.BigEndian.PutUint32(v[len(v)-8:], uint32(clamped))
		finishRun()
	}
	return v, nil
}

func appendU32(v []byte, x uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], x)
	return append(v, tmp[:]...)
}

// File is the built entity: a slice offset table plus everything needed
// to materialize each slice's bytes on demand. It satisfies the HTTP
// entity contract of spec.md §4.5 via ServeHTTP (range requests are
// handled by http.ServeContent over ReadAt).
type File struct {
	typ      Type
	slices   []slice
	buf      []byte
	segments []*segment
	entries  []db.VideoSampleEntry

	initialSampleBytePos int64
	moofStart            int64
	size                 int64
	lastModified         time.Time
	etag                 string
	contentType          string
	contentDisposition   string
	opener               Opener
	loc                  *time.Location

	mu      sync.Mutex
	readers map[int]ReadonlyFile // by segment index
	closed  bool
}

// Size returns the total file length in bytes.
func (f *File) Size() int64 { return f.size }

// ETag returns the strong validator of spec.md §4.5: any change to the
// emitted bytes for a given logical request changes it.
func (f *File) ETag() string { return f.etag }

// LastModified returns the end of the latest segment.
func (f *File) LastModified() time.Time { return f.lastModified }

// ContentType returns e.g. `video/mp4; codecs="avc1.4d401f"`.
func (f *File) ContentType() string { return f.contentType }

// ReadAt implements io.ReaderAt over the virtual file, streaming across
// slice boundaries. It is safe for concurrent use.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > f.size {
		return 0, nvrerrors.New(nvrerrors.InvalidArgument, "mp4.File.ReadAt", fmt.Errorf("offset %d out of range", off))
	}
	n := 0
	for n < len(p) && off < f.size {
		i := findSlice(f.slices, off)
		sliceStart := int64(0)
		if i > 0 {
			sliceStart = f.slices[i-1].end()
		}
		rel := off - sliceStart
		want := int64(len(p) - n)
		avail := f.slices[i].end() - off
		if avail < want {
			want = avail
		}
		if err := f.readSlice(f.slices[i], rel, p[n:n+int(want)]); err != nil {
			return n, err
		}
		n += int(want)
		off += want
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readSlice fills p with the slice's bytes starting at rel within the
// slice. Each data producer is responsible for sub-ranging into itself.
func (f *File) readSlice(s slice, rel int64, p []byte) error {
	switch s.typ() {
	case sliceStatic:
		copy(p, staticBytestrings[s.param()][rel:])
	case sliceBuf:
		copy(p, f.buf[int64(s.param())+rel:])
	case sliceVideoSampleEntry:
		copy(p, f.entries[s.param()].Data[rel:])
	case sliceStts:
		b, err := f.segments[s.param()].sttsBytes()
		if err != nil {
			return err
		}
		copy(p, b[rel:])
	case sliceStsz:
		b, err := f.segments[s.param()].stszBytes()
		if err != nil {
			return err
		}
		copy(p, b[rel:])
	case sliceStss:
		b, err := f.segments[s.param()].stssBytes()
		if err != nil {
			return err
		}
		copy(p, b[rel:])
	case sliceCo64:
		copy(p, f.co64Bytes()[rel:])
	case sliceVideoSampleData:
		return f.readVideoSampleData(s.param(), rel, p)
	case sliceSubtitleSampleData:
		copy(p, f.subtitleBytes(f.segments[s.param()])[rel:])
	case sliceTruns:
		seg := f.segments[s.param()]
		dataPos := f.initialSampleBytePos - f.moofStart
		for _, prev := range f.segments[:s.param()] {
			dataPos += prev.sampleFileBytes()
		}
		b, err := seg.buildTruns(dataPos)
		if err != nil {
			return err
		}
		copy(p, b[rel:])
	}
	return nil
}

// co64Bytes generates the video chunk offset table: one chunk per
// segment, at its position within the mdat.
func (f *File) co64Bytes() []byte {
	v := make([]byte, 0, 8*len(f.segments))
	pos := f.initialSampleBytePos
	for _, s := range f.segments {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(pos))
		v = append(v, tmp[:]...)
		pos += s.sampleFileBytes()
	}
	return v
}

// subtitleBytes synthesizes the segment's timestamp subtitles: one
// 2-byte-length-prefixed 25-char string per wall-clock second in the
// desired range, in the configured time zone. No storage backs these.
func (f *File) subtitleBytes(s *segment) []byte {
	startSec := (int64(s.rec.StartTime90k) + int64(s.relWallStart)) / recording.TimeUnitsPerSec
	v := make([]byte, 0, s.numSubtitleSamples*(2+subtitleLength))
	for i := 0; i < s.numSubtitleSamples; i++ {
		v = append(v, 0, subtitleLength)
		t := time.Unix(startSec+int64(i), 0).In(f.loc)
		v = append(v, t.Format(subtitleTimeLayout)...)
	}
	return v
}

func (f *File) readVideoSampleData(i int, rel int64, p []byte) error {
	s := f.segments[i]
	f.mu.Lock()
	r, ok := f.readers[i]
	var err error
	if !ok {
		if f.closed {
			f.mu.Unlock()
			return nvrerrors.New(nvrerrors.Internal, "mp4.File.readVideoSampleData", fmt.Errorf("file is closed"))
		}
		r, err = f.opener(s.rec.CompositeID)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.readers[i] = r
	}
	f.mu.Unlock()

	start := s.fileStart + rel
	data, err := r.Range(start, start+int64(len(p)))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

// Close releases the mmap'd sample files.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	var firstErr error
	for i, r := range f.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.readers, i)
	}
	return firstErr
}

// WriteTo appends the whole file into w, for the websocket live path
// which pushes complete media segments rather than serving ranges.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	sr := io.NewSectionReader(f, 0, f.size)
	return io.Copy(w, sr)
}

// ServeHTTP serves the file with range support, conditional requests via
// the ETag, and the mp4 content type.
func (f *File) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("ETag", f.etag)
	if f.contentDisposition != "" {
		w.Header().Set("Content-Disposition", f.contentDisposition)
	}
	http.ServeContent(w, r, "", f.lastModified, io.NewSectionReader(f, 0, f.size))
}
