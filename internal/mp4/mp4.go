// Package mp4 builds virtual files representing ISO/IEC 14496-12 (ISO
// base media format / .mp4) video from one or more stored recordings,
// per spec.md §4.5. The generated file has the moov box before the mdat
// box for fast start; nothing is rewritten on disk. A File is an offset
// table of small packed slice descriptors; box headers and small fields
// live in an in-memory buffer, while the sample tables and sample data
// are materialized lazily from the recording's index blob and mmap'd
// sample file when a byte range touching them is requested.
//
// Box order for normal files:
//
//	ftyp moov{mvhd trak(video){tkhd [edts{elst}] mdia{mdhd hdlr
//	minf{vmhd dinf stbl{stsd stts stsc stsz co64 stss}}}}
//	[trak(subtitle){...}]} mdat
//
// init segments carry ftyp and the same moov with mvex{trex} appended and
// no mdat, and media segments are: styp moof{mfhd traf{tfhd trun+ tfdt}} mdat.
package mp4

import (
	"encoding/binary"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// formatVersion is hashed into every ETag; bump it on any change that
// alters the bytes emitted for a given logical request.
const formatVersion = 1

// Type selects the kind of file to build.
type Type int

const (
	TypeNormal Type = iota
	TypeInitSegment
	TypeMediaSegment
)

// subtitleLength is the fixed rendered length of one timestamp subtitle,
// e.g. "2015-07-02 17:10:00 -0700".
const subtitleLength = 25

const subtitleTimeLayout = "2006-01-02 15:04:05 -0700"

// wallToMedia converts a relative wall-time offset within a recording to
// the corresponding media-time offset (spec.md glossary: the two differ
// by a small per-recording delta).
func wallToMedia(relWall int32, wallDur int32, mediaDur int64) int32 {
	if wallDur == 0 {
		return relWall
	}
	return int32(int64(relWall) * mediaDur / int64(wallDur))
}

// segment is one (recording, wall-time sub-range) input pair plus its
// derived mp4-specific state.
type segment struct {
	rec   db.Recording
	index []byte // the recording's video_index blob

	relWallStart, relWallEnd   int32 // desired range, wall units, relative to recording start
	relMediaStart, relMediaEnd int32

	// Derived by a scan of the index at append time.
	actualStart90k     int32 // media time of the included key frame at or before relMediaStart
	frames, keyFrames  int
	fileStart, fileEnd int64 // byte range within the sample file

	firstFrameNum      uint32 // 1-based frame number of this segment's first frame in the file
	numSubtitleSamples int

	lazyTables
}

func (s *segment) sampleFileBytes() int64 { return s.fileEnd - s.fileStart }

// newSegment scans the index blob to locate the desired range: playback
// must begin on the key frame at or before the desired start, and
// includes every sample whose start precedes the desired end.
func newSegment(rec db.Recording, index []byte, relWallStart, relWallEnd int32) (*segment, error) {
	if relWallStart < 0 || relWallStart >= relWallEnd || relWallEnd > rec.WallDuration90k {
		return nil, nvrerrors.New(nvrerrors.InvalidArgument, "mp4.newSegment",
			fmt.Errorf("requested range [%d, %d) outside recording %v's [0, %d)",
				relWallStart, relWallEnd, rec.CompositeID, rec.WallDuration90k))
	}
	mediaDur := rec.MediaDuration90k()
	s := &segment{
		rec:           rec,
		index:         index,
		relWallStart:  relWallStart,
		relWallEnd:    relWallEnd,
		relMediaStart: wallToMedia(relWallStart, rec.WallDuration90k, mediaDur),
		relMediaEnd:   wallToMedia(relWallEnd, rec.WallDuration90k, mediaDur),
	}

	it := recording.NewSampleIndexIterator(index)
	var off int64
	haveFirst := false
	for !it.Done() {
		sm, err := it.Next()
		if err != nil {
			return nil, err
		}
		if sm.IsKey && int32(sm.Start90k) <= s.relMediaStart {
			// A later qualifying key frame supersedes: restart the range.
			haveFirst = true
			s.actualStart90k = int32(sm.Start90k)
			s.fileStart = off
			s.frames = 0
			s.keyFrames = 0
		}
		if int32(sm.Start90k) >= s.relMediaEnd {
			break
		}
		if haveFirst {
			s.frames++
			if sm.IsKey {
				s.keyFrames++
			}
		}
		off += int64(sm.Bytes)
		s.fileEnd = off
	}
	if !haveFirst || s.frames == 0 {
		return nil, nvrerrors.New(nvrerrors.InvalidArgument, "mp4.newSegment",
			fmt.Errorf("no key frame at or before offset %d in recording %v", s.relMediaStart, rec.CompositeID))
	}
	return s, nil
}

// FileBuilder assembles a File from an ordered set of segments, per
// spec.md §4.5's construction model.
type FileBuilder struct {
	typ      Type
	segments []*segment
	entries  []db.VideoSampleEntry

	nextFrameNum     uint32
	mediaDuration90k uint64
	numSubtitle      uint32
	subtitleCo64Pos  int // offset in body.buf of the subtitle chunk offset placeholder; -1 if none

	includeTimestampSubtitleTrack bool
	contentDisposition            string

	// moofStart and initialSampleBytePos are set while laying out a
	// media segment; trun data offsets are relative to moofStart.
	moofStart            int64
	initialSampleBytePos int64

	body bodyState
}

// NewFileBuilder returns a builder for the given file type.
func NewFileBuilder(typ Type) *FileBuilder {
	return &FileBuilder{typ: typ, nextFrameNum: 1, subtitleCo64Pos: -1}
}

// IncludeTimestampSubtitleTrack enables the per-second timestamp track.
// Media segments don't support it: the track relies on the edit-list
// assumption that the desired timespan equals the actual timespan.
func (b *FileBuilder) IncludeTimestampSubtitleTrack(include bool) error {
	if include && b.typ == TypeMediaSegment {
		return nvrerrors.New(nvrerrors.InvalidArgument, "mp4.FileBuilder.IncludeTimestampSubtitleTrack",
			fmt.Errorf("timestamp subtitles aren't supported on media segments"))
	}
	b.includeTimestampSubtitleTrack = include
	return nil
}

// SetFilename adds a content-disposition attachment header to the built
// entity.
func (b *FileBuilder) SetFilename(filename string) {
	b.contentDisposition = fmt.Sprintf("attachment; filename=%q", filename)
}

// AppendVideoSampleEntry registers a sample entry; used directly for
// init segments, which carry no recordings.
func (b *FileBuilder) AppendVideoSampleEntry(e db.VideoSampleEntry) {
	for _, existing := range b.entries {
		if existing.ID == e.ID {
			return
		}
	}
	b.entries = append(b.entries, e)
}

// Append adds a segment covering relWall [start, end) of the given
// recording. index is the recording's video_index blob. Appending after
// a trailing-zero recording is rejected (invariant I6).
func (b *FileBuilder) Append(rec db.Recording, index []byte, relWallStart, relWallEnd int32, entry db.VideoSampleEntry) error {
	if n := len(b.segments); n > 0 && b.segments[n-1].rec.Flags&db.RecordingFlagTrailingZero != 0 {
		return nvrerrors.New(nvrerrors.InvalidArgument, "mp4.FileBuilder.Append",
			fmt.Errorf("unable to append recording %v after a recording with trailing zero", rec.CompositeID))
	}
	if entry.ID != rec.VideoSampleEntryID {
		return nvrerrors.New(nvrerrors.InvalidArgument, "mp4.FileBuilder.Append",
			fmt.Errorf("recording %v's video sample entry %d was not supplied", rec.CompositeID, rec.VideoSampleEntryID))
	}
	s, err := newSegment(rec, index, relWallStart, relWallEnd)
	if err != nil {
		return err
	}
	s.firstFrameNum = b.nextFrameNum
	b.nextFrameNum += uint32(s.frames)
	b.segments = append(b.segments, s)
	b.AppendVideoSampleEntry(entry)
	return nil
}

// Opener opens a completed sample file for zero-copy reads; satisfied by
// internal/dir's pool via a small adapter in the caller.
type Opener func(id recording.CompositeID) (ReadonlyFile, error)

// ReadonlyFile is the subset of dir.FileReader the mp4 file needs.
type ReadonlyFile interface {
	Range(start, end int64) ([]byte, error)
	Close() error
}

// Build finalizes the file layout. opener is consulted lazily as sample
// data ranges are read; loc renders timestamp subtitles.
func (b *FileBuilder) Build(opener Opener, loc *time.Location) (*File, error) {
	if len(b.entries) == 0 {
		return nil, nvrerrors.New(nvrerrors.InvalidArgument, "mp4.FileBuilder.Build", fmt.Errorf("no video sample entries"))
	}
	if loc == nil {
		loc = time.UTC
	}

	etag := blake3.New(32, nil)
	etag.Write([]byte{formatVersion})
	if b.includeTimestampSubtitleTrack {
		etag.Write([]byte(":ts:"))
	}
	if b.contentDisposition != "" {
		etag.Write([]byte(":cd:"))
		etag.Write([]byte(b.contentDisposition))
	}
	switch b.typ {
	case TypeInitSegment:
		etag.Write([]byte(":init:"))
	case TypeMediaSegment:
		etag.Write([]byte(":media:"))
	}

	var maxEnd recording.Time90k
	for _, s := range b.segments {
		// For media segments there is no edit list, so the lead-in from
		// the preceding key frame counts toward the duration.
		start := s.relMediaStart
		if b.typ == TypeMediaSegment {
			start = s.actualStart90k
		}
		b.mediaDuration90k += uint64(s.relMediaEnd - start)

		wallEnd := s.rec.StartTime90k + recording.Time90k(s.relWallEnd)
		if wallEnd > maxEnd {
			maxEnd = wallEnd
		}

		if b.includeTimestampSubtitleTrack {
			wallStart := s.rec.StartTime90k + recording.Time90k(s.relWallStart)
			startSec := int64(wallStart) / recording.TimeUnitsPerSec
			endSec := (int64(wallEnd) + recording.TimeUnitsPerSec - 1) / recording.TimeUnitsPerSec
			s.numSubtitleSamples = int(endSec - startSec)
			b.numSubtitle += uint32(s.numSubtitleSamples)
		}

		var d [28]byte
		binary.BigEndian.PutUint64(d[0:], uint64(s.rec.CompositeID))
		binary.BigEndian.PutUint64(d[8:], uint64(s.rec.StartTime90k))
		binary.BigEndian.PutUint32(d[16:], uint32(s.rec.OpenID))
		binary.BigEndian.PutUint32(d[20:], uint32(s.relWallStart))
		binary.BigEndian.PutUint32(d[24:], uint32(s.relWallEnd))
		etag.Write(d[:])
	}

	creationTS := toISO14496Timestamp(int64(maxEnd) / recording.TimeUnitsPerSec)

	var initialSampleBytePos int64
	var err error
	switch b.typ {
	case TypeMediaSegment:
		if err = b.appendMediaSegment(); err != nil {
			return nil, err
		}
		initialSampleBytePos = b.initialSampleBytePos
		if b.body.len() > int64(^uint32(0)) {
			return nil, nvrerrors.New(nvrerrors.InvalidArgument, "mp4.FileBuilder.Build",
				fmt.Errorf("media segment has length %d, greater than allowed 4 GiB", b.body.len()))
		}
	case TypeInitSegment:
		b.body.appendStatic(staticInitFtyp)
		b.appendMoov(creationTS)
		b.body.flushBuf()
	case TypeNormal:
		b.body.appendStatic(staticNormalFtyp)
		b.appendMoov(creationTS)
		initialSampleBytePos = b.appendMdat()
	}

	sum := etag.Sum(nil)
	f := &File{
		typ:                  b.typ,
		slices:               b.body.slices,
		buf:                  b.body.buf,
		segments:             b.segments,
		entries:              b.entries,
		initialSampleBytePos: initialSampleBytePos,
		moofStart:            b.moofStart,
		size:                 b.body.len(),
		lastModified:         time.Unix(int64(maxEnd)/recording.TimeUnitsPerSec, 0).UTC(),
		etag:                 fmt.Sprintf("%q", fmt.Sprintf("%x", sum)),
		contentType:          fmt.Sprintf("video/mp4; codecs=%q", b.entries[0].RFC6381Codec),
		contentDisposition:   b.contentDisposition,
		opener:               opener,
		loc:                  loc,
		readers:              make(map[int]ReadonlyFile),
	}
	return f, nil
}

// toISO14496Timestamp converts seconds since the Unix epoch to seconds
// since the ISO-14496 epoch (1904-01-01).
func toISO14496Timestamp(unixSecs int64) uint32 {
	return uint32(unixSecs + 24107*86400)
}

// appendMdat writes the large-format mdat header, then one
// VideoSampleData slice per segment and (when enabled) one
// SubtitleSampleData slice per segment, and backpatches the 64-bit
// length. Returns the file offset of the first sample byte.
func (b *FileBuilder) appendMdat() int64 {
	b.body.appendBytes([]byte("\x00\x00\x00\x01mdat\x00\x00\x00\x00\x00\x00\x00\x00")...)
	mdatLenPos := len(b.body.buf) - 8
	b.body.flushBuf()
	initialSampleBytePos := b.body.len()
	for i, s := range b.segments {
		b.body.appendSlice(s.sampleFileBytes(), sliceVideoSampleData, i)
	}
	if b.subtitleCo64Pos >= 0 {
		binary.BigEndian.PutUint64(b.body.buf[b.subtitleCo64Pos:], uint64(b.body.len()))
		for i, s := range b.segments {
			b.body.appendSlice(int64(s.numSubtitleSamples)*(2+subtitleLength), sliceSubtitleSampleData, i)
		}
	}
	// 16 is the length of the mdat header itself.
	binary.BigEndian.PutUint64(b.body.buf[mdatLenPos:], uint64(16+b.body.len()-initialSampleBytePos))
	return initialSampleBytePos
}

// appendMediaSegment emits styp + moof + mdat. The trun data offsets are
// relative to the moof's first byte (tfhd sets default-base-is-moof).
func (b *FileBuilder) appendMediaSegment() error {
	b.body.appendStatic(staticStyp)
	b.moofStart = b.body.len()
	b.appendMoof()
	b.initialSampleBytePos = b.appendMediaMdat()
	return nil
}

func (b *FileBuilder) appendMediaMdat() int64 {
	b.body.appendBytes([]byte("\x00\x00\x00\x00mdat")...)
	mdatLenPos := len(b.body.buf) - 8
	lenStart := b.body.len() - 8
	b.body.flushBuf()
	initialSampleBytePos := b.body.len()
	for i, s := range b.segments {
		b.body.appendSlice(s.sampleFileBytes(), sliceVideoSampleData, i)
	}
	binary.BigEndian.PutUint32(b.body.buf[mdatLenPos:], uint32(b.body.len()-lenStart))
	return initialSampleBytePos
}

func (b *FileBuilder) appendMoof() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("moof")...)
		b.body.writeLength(func() {
			b.body.appendBytes([]byte("mfhd\x00\x00\x00\x00")...)
			b.body.appendU32(1) // sequence_number
		})
		b.body.writeLength(func() {
			b.body.appendBytes([]byte("traf")...)
			b.body.writeLength(func() {
				b.body.appendBytes([]byte{
					't', 'f', 'h', 'd',
					0x00, 0x02, 0x00, 0x00, // version + flags (default-base-is-moof)
					0x00, 0x00, 0x00, 0x01, // track_id = 1
				}...)
			})
			b.appendTruns()
			b.body.writeLength(func() {
				b.body.appendBytes([]byte("tfdt\x01\x00\x00\x00")...)
				var base uint64
				if len(b.segments) > 0 {
					s := b.segments[0]
					base = uint64(s.rec.PrevMediaDuration90k) + uint64(s.actualStart90k)
				}
				b.body.appendU64(base)
			})
		})
	})
}

func (b *FileBuilder) appendTruns() {
	b.body.flushBuf()
	for i, s := range b.segments {
		b.body.appendSlice(s.trunsLen(), sliceTruns, i)
	}
}

func (b *FileBuilder) appendMoov(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("moov")...)
		b.appendMvhd(creationTS)
		b.appendVideoTrak(creationTS)
		if b.includeTimestampSubtitleTrack {
			b.appendSubtitleTrak(creationTS)
		}
		if b.typ == TypeInitSegment {
			b.appendMvex()
		}
	})
}

func (b *FileBuilder) appendMvex() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("mvex")...)
		b.body.writeLength(func() {
			b.body.appendBytes([]byte{
				't', 'r', 'e', 'x',
				0x00, 0x00, 0x00, 0x00, // version + flags
				0x00, 0x00, 0x00, 0x01, // track_id
				0x00, 0x00, 0x00, 0x01, // default_sample_description_index
				0x00, 0x00, 0x00, 0x00, // default_sample_duration
				0x00, 0x00, 0x00, 0x00, // default_sample_size
				0x09, 0x21, 0x00, 0x00, // default_sample_flags (non sync)
			}...)
		})
	})
}

func (b *FileBuilder) appendMvhd(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("mvhd\x01\x00\x00\x00")...)
		b.body.appendU64(uint64(creationTS))
		b.body.appendU64(uint64(creationTS))
		b.body.appendU32(recording.TimeUnitsPerSec)
		b.body.appendU64(b.mediaDuration90k)
		b.body.appendStatic(staticMvhdJunk)
		nextTrackID := uint32(2)
		if b.includeTimestampSubtitleTrack {
			nextTrackID = 3
		}
		b.body.appendU32(nextTrackID)
	})
}

func (b *FileBuilder) appendVideoTrak(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("trak")...)
		b.appendVideoTkhd(creationTS)
		b.maybeAppendVideoEdts()
		b.appendVideoMdia(creationTS)
	})
}

func (b *FileBuilder) appendSubtitleTrak(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("trak")...)
		b.appendSubtitleTkhd(creationTS)
		b.appendSubtitleMdia(creationTS)
	})
}

func (b *FileBuilder) appendVideoTkhd(creationTS uint32) {
	b.body.writeLength(func() {
		// flags 7: track_enabled | track_in_movie | track_in_preview
		b.body.appendBytes([]byte("tkhd\x00\x00\x00\x07")...)
		b.body.appendU32(creationTS)
		b.body.appendU32(creationTS)
		b.body.appendU32(1) // track_id
		b.body.appendU32(0) // reserved
		b.body.appendU32(uint32(b.mediaDuration90k))
		b.body.appendStatic(staticTkhdJunk)
		var width, height uint16
		for _, e := range b.entries {
			if e.Width > width {
				width = e.Width
			}
			if e.Height > height {
				height = e.Height
			}
		}
		b.body.appendU32(uint32(width) << 16)
		b.body.appendU32(uint32(height) << 16)
	})
}

func (b *FileBuilder) appendSubtitleTkhd(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("tkhd\x01\x00\x00\x07")...)
		b.body.appendU64(uint64(creationTS))
		b.body.appendU64(uint64(creationTS))
		b.body.appendU32(2) // track_id
		b.body.appendU32(0) // reserved
		b.body.appendU64(b.mediaDuration90k)
		b.body.appendStatic(staticTkhdJunk)
		b.body.appendU32(0) // width, unused
		b.body.appendU32(0) // height, unused
	})
}

type elstEntry struct {
	segmentDuration uint64
	mediaTime       uint64
}

// maybeAppendVideoEdts writes an edts/elst when the actual start of any
// segment precedes its desired start (playback must skip the lead-in to
// the preceding key frame), merging adjacent entries whose media
// positions are continuous (spec.md §4.5 "Edit list").
func (b *FileBuilder) maybeAppendVideoEdts() {
	var flushed []elstEntry
	var unflushed elstEntry
	var curMediaTime uint64
	for _, s := range b.segments {
		// actual start <= desired start <= desired end.
		skip := uint64(s.relMediaStart - s.actualStart90k)
		keep := uint64(s.relMediaEnd - s.relMediaStart)
		curMediaTime += skip
		if unflushed.segmentDuration+unflushed.mediaTime == curMediaTime {
			unflushed.segmentDuration += keep
		} else {
			if unflushed.segmentDuration > 0 {
				flushed = append(flushed, unflushed)
			}
			unflushed = elstEntry{segmentDuration: keep, mediaTime: curMediaTime}
		}
		curMediaTime += keep
	}
	if len(flushed) == 0 && unflushed.mediaTime == 0 {
		return // implicit one-to-one mapping
	}
	flushed = append(flushed, unflushed)

	b.body.writeLength(func() {
		b.body.appendBytes([]byte("edts")...)
		b.body.writeLength(func() {
			// Version 1 for 64-bit times.
			b.body.appendBytes([]byte("elst\x01\x00\x00\x00")...)
			b.body.appendU32(uint32(len(flushed)))
			for _, e := range flushed {
				b.body.appendU64(e.segmentDuration)
				b.body.appendU64(e.mediaTime)
				b.body.appendBytes([]byte("\x00\x01\x00\x00")...) // media_rate 1.0
			}
		})
	})
}

func (b *FileBuilder) appendVideoMdia(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("mdia")...)
		b.appendMdhd(creationTS)
		b.body.appendStatic(staticVideoHdlr)
		b.appendVideoMinf()
	})
}

func (b *FileBuilder) appendSubtitleMdia(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("mdia")...)
		b.appendMdhd(creationTS)
		b.body.appendStatic(staticSubtitleHdlr)
		b.appendSubtitleMinf()
	})
}

func (b *FileBuilder) appendMdhd(creationTS uint32) {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("mdhd\x01\x00\x00\x00")...)
		b.body.appendU64(uint64(creationTS))
		b.body.appendU64(uint64(creationTS))
		b.body.appendU32(recording.TimeUnitsPerSec)
		b.body.appendU64(b.mediaDuration90k)
		b.body.appendU32(0x55c40000) // language=und + pre_defined
	})
}

func (b *FileBuilder) appendVideoMinf() {
	b.body.writeLength(func() {
		b.body.appendStatic(staticVideoMinfJunk)
		b.appendVideoStbl()
	})
}

func (b *FileBuilder) appendSubtitleMinf() {
	b.body.writeLength(func() {
		b.body.appendStatic(staticSubtitleMinfJunk)
		b.appendSubtitleStbl()
	})
}

func (b *FileBuilder) appendVideoStbl() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stbl")...)
		b.appendVideoStsd()
		b.appendVideoStts()
		b.appendVideoStsc()
		b.appendVideoStsz()
		b.appendVideoCo64()
		b.appendVideoStss()
	})
}

func (b *FileBuilder) appendSubtitleStbl() {
	b.body.writeLength(func() {
		b.body.appendStatic(staticSubtitleStblJunk)
		b.appendSubtitleStts()
		b.appendSubtitleStsc()
		b.appendSubtitleStsz()
		b.appendSubtitleCo64()
	})
}

func (b *FileBuilder) appendVideoStsd() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stsd\x00\x00\x00\x00")...)
		b.body.appendU32(uint32(len(b.entries)))
		b.body.flushBuf()
		for i, e := range b.entries {
			b.body.appendSlice(int64(len(e.Data)), sliceVideoSampleEntry, i)
		}
	})
}

func (b *FileBuilder) appendVideoStts() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stts\x00\x00\x00\x00")...)
		var entryCount uint32
		for _, s := range b.segments {
			entryCount += uint32(s.frames)
		}
		b.body.appendU32(entryCount)
		if len(b.segments) > 0 {
			b.body.flushBuf()
			for i, s := range b.segments {
				b.body.appendSlice(8*int64(s.frames), sliceStts, i)
			}
		}
	})
}

// appendSubtitleStts aggregates subtitle durations into at most three
// stts entries per segment: the partial first second, the whole interior
// seconds, and the partial final second.
func (b *FileBuilder) appendSubtitleStts() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stts\x00\x00\x00\x00")...)
		entryCountPos := len(b.body.buf)
		b.body.appendU32(0) // backpatched below

		var entryCount uint32
		for _, s := range b.segments {
			wallStart := int64(s.rec.StartTime90k) + int64(s.relWallStart)
			wallEnd := int64(s.rec.StartTime90k) + int64(s.relWallEnd)
			startNextSec := wallStart + recording.TimeUnitsPerSec - wallStart%recording.TimeUnitsPerSec

			if wallEnd <= startNextSec {
				entryCount++
				b.body.appendU32(1)
				b.body.appendU32(uint32(s.relMediaEnd - s.relMediaStart))
				continue
			}
			// First subtitle lasts until the next second boundary.
			mediaPos := wallToMedia(int32(startNextSec-int64(s.rec.StartTime90k)), s.rec.WallDuration90k, s.rec.MediaDuration90k())
			entryCount++
			b.body.appendU32(1)
			b.body.appendU32(uint32(mediaPos - s.relMediaStart))

			// Whole interior seconds.
			endPrevSec := wallEnd - wallEnd%recording.TimeUnitsPerSec
			if startNextSec < endPrevSec {
				oneSecMedia := wallToMedia(recording.TimeUnitsPerSec, s.rec.WallDuration90k, s.rec.MediaDuration90k())
				interior := (endPrevSec - startNextSec) / recording.TimeUnitsPerSec
				entryCount++
				b.body.appendU32(uint32(interior))
				b.body.appendU32(uint32(oneSecMedia))
				mediaPos += oneSecMedia * int32(interior)
			}

			// Final fraction of a second.
			entryCount++
			b.body.appendU32(1)
			b.body.appendU32(uint32(s.relMediaEnd - mediaPos))
		}
		binary.BigEndian.PutUint32(b.body.buf[entryCountPos:], entryCount)
	})
}

func (b *FileBuilder) appendVideoStsc() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stsc\x00\x00\x00\x00")...)
		b.body.appendU32(uint32(len(b.segments)))
		for i, s := range b.segments {
			b.body.appendU32(uint32(i + 1))
			b.body.appendU32(uint32(s.frames))
			descIndex := uint32(1)
			for j, e := range b.entries {
				if e.ID == s.rec.VideoSampleEntryID {
					descIndex = uint32(j + 1)
					break
				}
			}
			b.body.appendU32(descIndex)
		}
	})
}

func (b *FileBuilder) appendSubtitleStsc() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stsc\x00\x00\x00\x00\x00\x00\x00\x01\x00\x00\x00\x01")...)
		b.body.appendU32(b.numSubtitle)
		b.body.appendU32(1)
	})
}

func (b *FileBuilder) appendVideoStsz() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stsz\x00\x00\x00\x00\x00\x00\x00\x00")...)
		var entryCount uint32
		for _, s := range b.segments {
			entryCount += uint32(s.frames)
		}
		b.body.appendU32(entryCount)
		if len(b.segments) > 0 {
			b.body.flushBuf()
			for i, s := range b.segments {
				b.body.appendSlice(4*int64(s.frames), sliceStsz, i)
			}
		}
	})
}

func (b *FileBuilder) appendSubtitleStsz() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stsz\x00\x00\x00\x00")...)
		b.body.appendU32(2 + subtitleLength)
		b.body.appendU32(b.numSubtitle)
	})
}

func (b *FileBuilder) appendVideoCo64() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("co64\x00\x00\x00\x00")...)
		b.body.appendU32(uint32(len(b.segments)))
		if len(b.segments) > 0 {
			b.body.flushBuf()
			b.body.appendSlice(8*int64(len(b.segments)), sliceCo64, 0)
		}
	})
}

func (b *FileBuilder) appendSubtitleCo64() {
	b.body.writeLength(func() {
		// One chunk whose offset is backpatched once the mdat layout is
		// known (appendMdat).
		b.body.appendBytes([]byte("co64\x00\x00\x00\x00\x00\x00\x00\x01")...)
		b.subtitleCo64Pos = len(b.body.buf)
		b.body.appendU64(0)
	})
}

func (b *FileBuilder) appendVideoStss() {
	b.body.writeLength(func() {
		b.body.appendBytes([]byte("stss\x00\x00\x00\x00")...)
		var entryCount uint32
		for _, s := range b.segments {
			entryCount += uint32(s.keyFrames)
		}
		b.body.appendU32(entryCount)
		if len(b.segments) > 0 {
			b.body.flushBuf()
			for i, s := range b.segments {
				b.body.appendSlice(4*int64(s.keyFrames), sliceStss, i)
			}
		}
	})
}
