package ingest

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
)

// sampleEntryFor builds (or dedupes) the ISO-BMFF avc1 sample entry for
// a published H.264 format: the raw blob stored in the index is exactly
// what the mp4 assembler later emits into stsd.
func (ing *Ingester) sampleEntryFor(f *format.H264) (int32, error) {
	if len(f.SPS) < 4 || len(f.PPS) == 0 {
		return 0, nvrerrors.New(nvrerrors.InvalidArgument, "ingest.sampleEntryFor",
			fmt.Errorf("publisher supplied no SPS/PPS"))
	}
	var sps h264.SPS
	if err := sps.Unmarshal(f.SPS); err != nil {
		return 0, nvrerrors.New(nvrerrors.InvalidArgument, "ingest.sampleEntryFor",
			fmt.Errorf("parsing SPS: %w", err))
	}
	width := uint16(sps.Width())
	height := uint16(sps.Height())

	blob := buildAvc1(width, height, f.SPS, f.PPS)
	entry := db.VideoSampleEntry{
		SHA1:         sha1.Sum(blob),
		Width:        width,
		Height:       height,
		PaspHSpacing: 1,
		PaspVSpacing: 1,
		RFC6381Codec: fmt.Sprintf("avc1.%02x%02x%02x", f.SPS[1], f.SPS[2], f.SPS[3]),
		Data:         blob,
	}
	return ing.database.GetOrCreateVideoSampleEntry(entry)
}

// buildAvc1 renders a VisualSampleEntry of type avc1 with a nested avcC
// (ISO/IEC 14496-15) carrying one SPS and one PPS, AVCC 4-byte length
// prefixes.
func buildAvc1(width, height uint16, sps, pps []byte) []byte {
	avcc := make([]byte, 0, 19+len(sps)+len(pps))
	avcc = append(avcc, 0, 0, 0, 0) // size, backpatched
	avcc = append(avcc, 'a', 'v', 'c', 'C')
	avcc = append(avcc,
		1,              // configurationVersion
		sps[1],         // AVCProfileIndication
		sps[2],         // profile_compatibility
		sps[3],         // AVCLevelIndication
		0xff,           // lengthSizeMinusOne = 3 (4-byte lengths)
		0xe1,           // numOfSequenceParameterSets = 1
	)
	avcc = append(avcc, byte(len(sps)>>8), byte(len(sps)))
	avcc = append(avcc, sps...)
	avcc = append(avcc, 1) // numOfPictureParameterSets
	avcc = append(avcc, byte(len(pps)>>8), byte(len(pps)))
	avcc = append(avcc, pps...)
	binary.BigEndian.PutUint32(avcc, uint32(len(avcc)))

	entry := make([]byte, 0, 86+len(avcc))
	entry = append(entry, 0, 0, 0, 0) // size, backpatched
	entry = append(entry, 'a', 'v', 'c', '1')
	entry = append(entry,
		0, 0, 0, 0, 0, 0, // reserved
		0, 1, // data_reference_index
		0, 0, // pre_defined
		0, 0, // reserved
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // pre_defined
	)
	entry = append(entry, byte(width>>8), byte(width))
	entry = append(entry, byte(height>>8), byte(height))
	entry = append(entry,
		0x00, 0x48, 0x00, 0x00, // horizresolution = 72 dpi
		0x00, 0x48, 0x00, 0x00, // vertresolution = 72 dpi
		0, 0, 0, 0, // reserved
		0, 1, // frame_count
	)
	var compressorName [32]byte // zero-length pascal string
	entry = append(entry, compressorName[:]...)
	entry = append(entry,
		0x00, 0x18, // depth = 24
		0xff, 0xff, // pre_defined = -1
	)
	entry = append(entry, avcc...)
	binary.BigEndian.PutUint32(entry, uint32(len(entry)))
	return entry
}
