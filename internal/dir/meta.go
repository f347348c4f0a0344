package dir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// MetaFileSize is the fixed size of the meta file, per spec.md §3: padding
// to 512 bytes means overwrites are atomic at the sector level.
const MetaFileSize = 512

// OpenRef identifies one process lifetime that opened the owning database
// for writes: an id plus a uuid, per spec.md's glossary entry "Open id".
type OpenRef struct {
	ID   recording.OpenID
	UUID uuid.UUID
}

// Meta is the length-delimited record stored in the directory's meta file:
// db_uuid, dir_uuid, last_complete_open, and an optional in_progress_open,
// per spec.md §3 ("On-disk directory layout").
//
// The original implementation serializes this with protobuf; no protobuf
// library is exercised standalone anywhere in this retrieval pack (it
// appears only as an indirect, transitive dependency of unrelated gRPC
// stacks), so this reimplementation hand-rolls a small fixed-layout binary
// encoding instead — see DESIGN.md.
type Meta struct {
	DBUUID           uuid.UUID
	DirUUID          uuid.UUID
	LastCompleteOpen *OpenRef
	InProgressOpen   *OpenRef
}

const metaVersion = 1

func putOpenRef(buf *bytes.Buffer, r *OpenRef) {
	if r == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(r.ID))
	buf.Write(idBuf[:])
	idBytes, _ := r.UUID.MarshalBinary()
	buf.Write(idBytes)
}

func getOpenRef(b []byte) (*OpenRef, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("truncated open ref presence byte")
	}
	present, rest := b[0], b[1:]
	if present == 0 {
		return nil, rest, nil
	}
	if len(rest) < 4+16 {
		return nil, nil, fmt.Errorf("truncated open ref")
	}
	id := binary.BigEndian.Uint32(rest[:4])
	var u uuid.UUID
	copy(u[:], rest[4:20])
	return &OpenRef{ID: recording.OpenID(id), UUID: u}, rest[20:], nil
}

// Encode serializes m into a MetaFileSize-byte buffer: a 4-byte big-endian
// record length, the record itself, and zero padding to the fixed size.
func (m *Meta) Encode() ([]byte, error) {
	var rec bytes.Buffer
	rec.WriteByte(metaVersion)
	dbBytes, _ := m.DBUUID.MarshalBinary()
	rec.Write(dbBytes)
	dirBytes, _ := m.DirUUID.MarshalBinary()
	rec.Write(dirBytes)
	putOpenRef(&rec, m.LastCompleteOpen)
	putOpenRef(&rec, m.InProgressOpen)

	if rec.Len() > MetaFileSize-5 {
		return nil, nvrerrors.New(nvrerrors.Internal, "dir.Meta.Encode", fmt.Errorf("record too large: %d bytes", rec.Len()))
	}

	out := make([]byte, MetaFileSize)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(rec.Len()))
	n := copy(out, lenBuf[:])
	n += copy(out[n:], rec.Bytes())
	// the rest of out is already zero-filled padding.
	_ = n
	return out, nil
}

// InitDir writes a fresh meta file into an empty directory, creating the
// directory if needed. Used when a configured sample-file directory is
// adopted for the first time; an existing meta file is left alone.
func InitDir(path string, dbUUID, dirUUID uuid.UUID) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.InitDir", err)
	}
	metaPath := filepath.Join(path, "meta")
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}
	m := &Meta{DBUUID: dbUUID, DirUUID: dirUUID}
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, buf, 0o644); err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.InitDir", err)
	}
	return nil
}

// DecodeMeta parses the MetaFileSize-byte buffer written by Encode. A
// corrupt meta file is a fatal condition per spec.md §7 ("Corrupt meta...
// abort startup"), surfaced here as a DataLoss error.
func DecodeMeta(buf []byte) (*Meta, error) {
	if len(buf) != MetaFileSize {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", fmt.Errorf("meta file is %d bytes, want %d", len(buf), MetaFileSize))
	}
	recLen := binary.BigEndian.Uint32(buf[:4])
	if int(recLen) > MetaFileSize-4 {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", fmt.Errorf("record length %d exceeds meta file capacity", recLen))
	}
	rec := buf[4 : 4+recLen]
	if len(rec) < 1+16+16 {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", fmt.Errorf("truncated meta record"))
	}
	if rec[0] != metaVersion {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", fmt.Errorf("unsupported meta version %d", rec[0]))
	}
	rest := rec[1:]
	var m Meta
	copy(m.DBUUID[:], rest[:16])
	copy(m.DirUUID[:], rest[16:32])
	rest = rest[32:]
	var err error
	m.LastCompleteOpen, rest, err = getOpenRef(rest)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", err)
	}
	m.InProgressOpen, rest, err = getOpenRef(rest)
	if err != nil {
		return nil, nvrerrors.New(nvrerrors.DataLoss, "dir.DecodeMeta", err)
	}
	_ = rest
	return &m, nil
}
