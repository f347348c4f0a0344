package dir

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// FileReader is a read-only view of a completed sample file, memory-mapped
// once by a pool worker and then handed to the caller for zero-copy reads
// from the mp4 assembler (spec.md §4.2's OpenForReading/ReadNextChunk pair,
// §9's "VideoSampleData slice reads directly from the mmap'd sample file").
type FileReader struct {
	data []byte
}

// OpenForReading opens and mmaps id's sample file. The open and mmap
// syscalls run on a pool worker; the returned FileReader's Bytes may then
// be read directly by the caller's goroutine without further dispatch,
// since a read-only mmap never blocks on disk after the page is faulted
// in (and if it does, it blocks only the reading goroutine, not the pool).
func (p *Pool) OpenForReading(id recording.CompositeID) (*FileReader, error) {
	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)
	p.enqueue(func(ctx *WorkerCtx) {
		path := filepath.Join(ctx.path, id.Filename())
		f, err := os.Open(path)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			resCh <- result{err: err}
			return
		}
		size := fi.Size()
		if size == 0 {
			resCh <- result{data: nil}
			return
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		resCh <- result{data: data, err: err}
	})
	res := <-resCh
	if res.err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "dir.Pool.OpenForReading", fmt.Errorf("open %s: %w", id.Filename(), res.err))
	}
	return &FileReader{data: res.data}, nil
}

// Bytes returns the full mmap'd contents.
func (r *FileReader) Bytes() []byte {
	return r.data
}

// Range returns the byte range [start, end) of the mmap'd file, for the
// mp4 assembler's VideoSampleData/SubtitleSampleData slices.
func (r *FileReader) Range(start, end int64) ([]byte, error) {
	if start < 0 || end > int64(len(r.data)) || start > end {
		return nil, nvrerrors.New(nvrerrors.Internal, "dir.FileReader.Range", fmt.Errorf("range [%d,%d) out of bounds (len=%d)", start, end, len(r.data)))
	}
	return r.data[start:end], nil
}

// Close unmaps the file. It may be called from any goroutine; munmap does
// not require the original mapping goroutine.
func (r *FileReader) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.FileReader.Close", err)
	}
	return nil
}
