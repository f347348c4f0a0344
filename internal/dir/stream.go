package dir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// WriteStream is an open sample file being written to, per spec.md §4.2's
// CreateFile/Write/SyncAll/Abandon command group. All blocking syscalls
// happen on a pool worker goroutine; the caller (the writer package's
// per-stream state machine) only ever blocks its own goroutine awaiting
// the result, never an async caller.
type WriteStream struct {
	pool *Pool
	id   recording.CompositeID
	f    *os.File
}

// CreateFile opens a new sample file for exclusive creation, incrementing
// the pool's open-write-stream count (which gates Close and MarkDeleted).
func (p *Pool) CreateFile(id recording.CompositeID) (*WriteStream, error) {
	p.mu.Lock()
	if p.state != StateOpen && p.state != StateOpeningStage2 {
		st := p.state
		p.mu.Unlock()
		return nil, nvrerrors.New(nvrerrors.FailedPrecondition, "dir.Pool.CreateFile", fmt.Errorf("pool not open (state=%s)", st))
	}
	p.mu.Unlock()

	type result struct {
		f   *os.File
		err error
	}
	resCh := make(chan result, 1)
	p.enqueue(func(ctx *WorkerCtx) {
		path := filepath.Join(ctx.path, id.Filename())
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		resCh <- result{f: f, err: err}
	})
	res := <-resCh
	if res.err != nil {
		return nil, nvrerrors.New(nvrerrors.Internal, "dir.Pool.CreateFile", res.err)
	}
	p.IncWriteStream()
	return &WriteStream{pool: p, id: id, f: res.f}, nil
}

// Write appends buf to the stream. Short writes are treated as errors:
// the original's blocking write loop is unnecessary here since os.File.Write
// already loops internally for regular files.
func (s *WriteStream) Write(buf []byte) error {
	errCh := make(chan error, 1)
	s.pool.enqueue(func(ctx *WorkerCtx) {
		_, err := s.f.Write(buf)
		errCh <- err
	})
	if err := <-errCh; err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.WriteStream.Write", err)
	}
	return nil
}

// SyncAll fsyncs the sample file, then the directory: the ordering
// spec.md §5's crash-safety invariant depends on (file data and length
// durable before the directory entry that makes the file discoverable by
// name is itself durable).
func (s *WriteStream) SyncAll() error {
	errCh := make(chan error, 1)
	s.pool.enqueue(func(ctx *WorkerCtx) {
		if err := s.f.Sync(); err != nil {
			errCh <- err
			return
		}
		errCh <- ctx.dirFile.Sync()
	})
	if err := <-errCh; err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.WriteStream.SyncAll", err)
	}
	return nil
}

// Close closes the underlying file handle and decrements the pool's
// open-write-stream count. It does not unlink the file: a normally
// completed recording keeps its sample file.
func (s *WriteStream) Close() error {
	defer s.pool.DecWriteStream()
	errCh := make(chan error, 1)
	s.pool.enqueue(func(ctx *WorkerCtx) {
		errCh <- s.f.Close()
	})
	if err := <-errCh; err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.WriteStream.Close", err)
	}
	return nil
}

// Abandon closes and unlinks the file: used when a recording is abandoned
// before being committed to the database (spec.md §5, "Abandoned
// recordings").
func (s *WriteStream) Abandon() error {
	defer s.pool.DecWriteStream()
	errCh := make(chan error, 1)
	s.pool.enqueue(func(ctx *WorkerCtx) {
		s.f.Close()
		errCh <- os.Remove(filepath.Join(ctx.path, s.id.Filename()))
	})
	if err := <-errCh; err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.WriteStream.Abandon", err)
	}
	return nil
}

// Unlink removes a sample file that is no longer referenced by any
// recording row, per spec.md §4.2's garbage collection.
func (p *Pool) Unlink(id recording.CompositeID) error {
	errCh := make(chan error, 1)
	p.enqueue(func(ctx *WorkerCtx) {
		err := os.Remove(filepath.Join(ctx.path, id.Filename()))
		if os.IsNotExist(err) {
			err = nil
		}
		errCh <- err
	})
	if err := <-errCh; err != nil {
		return nvrerrors.New(nvrerrors.Internal, "dir.Pool.Unlink", err)
	}
	return nil
}
