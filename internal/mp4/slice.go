package mp4

import (
	"encoding/binary"
	"sort"
)

// sliceType tags a slice's data source (spec.md §4.5's table).
type sliceType uint8

const (
	sliceStatic             sliceType = iota // param indexes staticBytestrings
	sliceBuf                                 // param is an offset into File.buf
	sliceVideoSampleEntry                    // param indexes File.entries
	sliceStts                                // param indexes File.segments
	sliceStsz                                // param indexes File.segments
	sliceStss                                // param indexes File.segments
	sliceCo64                                // param unused
	sliceVideoSampleData                     // param indexes File.segments
	sliceSubtitleSampleData                  // param indexes File.segments
	sliceTruns                               // param indexes File.segments
)

// slice is one descriptor in the file's offset table, packed to 8 bytes:
// low 40 bits hold the end offset in the output (max 1 TiB), the next 4
// the type, and the top 20 the type parameter. The packed form is
// load-bearing for cache efficiency (spec.md §9, "Dynamic dispatch").
type slice uint64

func newSlice(end int64, t sliceType, p int) slice {
	return slice(uint64(end) | uint64(t)<<40 | uint64(p)<<44)
}

func (s slice) end() int64     { return int64(s & 0xFF_FF_FF_FF_FF) }
func (s slice) typ() sliceType { return sliceType(s >> 40 & 0xF) }
func (s slice) param() int     { return int(s >> 44) }

// findSlice returns the index of the slice containing output offset off,
// by binary search over the ascending end offsets.
func findSlice(slices []slice, off int64) int {
	return sort.Search(len(slices), func(i int) bool { return slices[i].end() > off })
}

// bodyState accumulates the file layout during build: the slice list,
// the shared buffer for box headers and small fields, and the portion of
// that buffer not yet turned into a Buf slice.
type bodyState struct {
	slices    []slice
	pos       int64 // total length covered by slices
	buf       []byte
	unflushed int
}

// len returns the length of the output laid out so far, including
// not-yet-flushed buffer bytes.
func (b *bodyState) len() int64 {
	return b.pos + int64(len(b.buf)-b.unflushed)
}

func (b *bodyState) appendBytes(p ...byte) {
	b.buf = append(b.buf, p...)
}

func (b *bodyState) appendU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bodyState) appendU64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// flushBuf appends a Buf slice covering everything written to the buffer
// since the last flush. Must be called before appending any non-buffer
// slice so output order matches append order.
func (b *bodyState) flushBuf() {
	if n := len(b.buf) - b.unflushed; n > 0 {
		b.appendSlice(int64(n), sliceBuf, b.unflushed)
		b.unflushed = len(b.buf)
	}
}

func (b *bodyState) appendSlice(length int64, t sliceType, p int) {
	b.pos += length
	b.slices = append(b.slices, newSlice(b.pos, t, p))
}

func (b *bodyState) appendStatic(which int) {
	b.flushBuf()
	b.appendSlice(int64(len(staticBytestrings[which])), sliceStatic, which)
}

// writeLength emits a 32-bit length placeholder into the buffer, runs fn
// to append the box's type and children (which may include non-buffer
// slices), then backpatches the placeholder with the total length.
func (b *bodyState) writeLength(fn func()) {
	lenPos := len(b.buf)
	lenStart := b.len()
	b.appendU32(0)
	fn()
	binary.BigEndian.PutUint32(b.buf[lenPos:], uint32(b.len()-lenStart))
}

// Indexes into staticBytestrings.
const (
	staticNormalFtyp = iota
	staticInitFtyp
	staticStyp
	staticVideoHdlr
	staticSubtitleHdlr
	staticMvhdJunk
	staticTkhdJunk
	staticVideoMinfJunk
	staticSubtitleMinfJunk
	staticSubtitleStblJunk
)

// staticBytestrings holds the fixed box fragments shared by every built
// file; a Static slice references one by index so it fits the packed
// 20-bit parameter.
var staticBytestrings = [][]byte{
	// ftyp for normal files.
	{
		0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p',
		'i', 's', 'o', 'm', // major_brand
		0x00, 0x00, 0x02, 0x00, // minor_version
		'i', 's', 'o', 'm', 'i', 's', 'o', '2', 'a', 'v', 'c', '1', 'm', 'p', '4', '1',
	},
	// ftyp for init segments: more restrictive brand because of the
	// default-base-is-moof flag.
	{
		0x00, 0x00, 0x00, 0x10, 'f', 't', 'y', 'p',
		'i', 's', 'o', '5',
		0x00, 0x00, 0x02, 0x00,
	},
	// styp for media segments.
	{
		0x00, 0x00, 0x00, 0x18, 's', 't', 'y', 'p',
		'm', 's', 'd', 'h',
		0x00, 0x00, 0x00, 0x00,
		'm', 's', 'd', 'h', 'm', 's', 'i', 'x',
	},
	// hdlr for video.
	{
		0x00, 0x00, 0x00, 0x21, 'h', 'd', 'l', 'r',
		0x00, 0x00, 0x00, 0x00, // version + flags
		0x00, 0x00, 0x00, 0x00, // pre_defined
		'v', 'i', 'd', 'e', // handler
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, // name, zero-terminated (empty)
	},
	// hdlr for subtitles.
	{
		0x00, 0x00, 0x00, 0x21, 'h', 'd', 'l', 'r',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		's', 'b', 't', 'l',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00,
	},
	// mvhd tail: rate, volume, reserved, identity matrix, pre_defined.
	{
		0x00, 0x01, 0x00, 0x00,
		0x01, 0x00,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x40, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	},
	// tkhd tail: reserved, layer/group/volume, identity matrix.
	{
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x40, 0x00, 0x00, 0x00,
	},
	// minf prefix for video: the type tag plus complete vmhd and dinf
	// boxes (self-contained dref).
	{
		'm', 'i', 'n', 'f',
		0x00, 0x00, 0x00, 0x14, 'v', 'm', 'h', 'd',
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x24, 'd', 'i', 'n', 'f',
		0x00, 0x00, 0x00, 0x1c, 'd', 'r', 'e', 'f',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x0c, 'u', 'r', 'l', ' ',
		0x00, 0x00, 0x00, 0x01,
	},
	// minf prefix for subtitles: nmhd instead of vmhd.
	{
		'm', 'i', 'n', 'f',
		0x00, 0x00, 0x00, 0x0c, 'n', 'm', 'h', 'd',
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x24, 'd', 'i', 'n', 'f',
		0x00, 0x00, 0x00, 0x1c, 'd', 'r', 'e', 'f',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x0c, 'u', 'r', 'l', ' ',
		0x00, 0x00, 0x00, 0x01,
	},
	// stbl prefix for subtitles: type tag plus a complete stsd holding
	// one tx3g sample entry (3GPP TS 26.245 section 5.16).
	{
		's', 't', 'b', 'l',
		0x00, 0x00, 0x00, 0x54, 's', 't', 's', 'd',
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01, // entry_count
		0x00, 0x00, 0x00, 0x44, 't', 'x', '3', 'g',
		0x00, 0x00, 0x00, 0x00, // reserved
		0x00, 0x00, 0x00, 0x01, // reserved + data_reference_index
		0x00, 0x00, 0x00, 0x00, // displayFlags
		0x00,       // horizontal-justification == left
		0x00,       // vertical-justification == top
		0x00, 0x00, 0x00, 0x00, // background-color-rgba == transparent
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // BoxRecord
		0x00, 0x00, // StyleRecord.startChar
		0x00, 0x00, // endChar
		0x00, 0x01, // font-ID
		0x00,       // face-style-flags
		0x12,       // font-size == 18 px
		0xff, 0xff, 0xff, 0xff, // text-color-rgba == opaque white
		0x00, 0x00, 0x00, 0x16, 'f', 't', 'a', 'b',
		0x00, 0x01, // entry-count
		0x00, 0x01, // font-ID
		0x09, // font-name-length
		'M', 'o', 'n', 'o', 's', 'p', 'a', 'c', 'e',
	},
}
