// Package writer implements the writer/syncer pipeline of spec.md §4.4:
// a per-stream Writer that appends samples to a newly created file, a
// background Syncer per sample-file directory that fsyncs and commits
// metadata in the crash-safe order, and a retention loop that moves
// over-budget recordings to garbage.
//
// Goroutine/channel structure follows the teacher's manager idiom
// (producer goroutine feeding a bounded channel, consumer goroutine with
// a done channel, WaitGroup joined on shutdown); the commit ordering
// itself is grounded on spec.md §4.4 and the original's dir.rs/writer.rs
// division of labor.
package writer

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// commitQueueDepth bounds the syncer's inbox. A full queue blocks the
// writer, which blocks the ingester: the intended backpressure under
// disk slowness (spec.md §4.4, §5).
const commitQueueDepth = 8

type commit struct {
	rec       db.Recording
	index     []byte
	integrity *db.RecordingIntegrity
	ack       chan error
}

// Syncer is the single consumer committing one directory's finished
// recordings to the index, and unlinking its garbage.
type Syncer struct {
	database *db.Database
	pool     *dir.Pool
	dirID    int32
	log      zerolog.Logger

	commits chan commit
	garbage chan []recording.CompositeID
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSyncer starts the syncer goroutine for one sample-file directory.
func NewSyncer(database *db.Database, pool *dir.Pool, dirID int32, log zerolog.Logger) *Syncer {
	s := &Syncer{
		database: database,
		pool:     pool,
		dirID:    dirID,
		log:      log.With().Str("component", "writer.Syncer").Int32("dir_id", dirID).Logger(),
		commits:  make(chan commit, commitQueueDepth),
		garbage:  make(chan []recording.CompositeID, 4),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Syncer) run() {
	defer s.wg.Done()
	for {
		select {
		case c := <-s.commits:
			c.ack <- s.doCommit(c)
		case ids := <-s.garbage:
			s.doCollectGarbage(ids)
		case <-s.done:
			// Drain pending commits before exiting; writers have already
			// synced these files and are blocked awaiting the ack.
			for {
				select {
				case c := <-s.commits:
					c.ack <- s.doCommit(c)
				default:
					return
				}
			}
		}
	}
}

// doCommit is steps (c)-(e) of spec.md §4.4's crash-safety ordering: the
// sample file was already written and fsynced by the writer; here the
// directory is fsynced so the file's name is durable, and only then is
// the recording row (plus cum_recordings) committed.
func (s *Syncer) doCommit(c commit) error {
	if err := s.pool.Run(func(ctx *dir.WorkerCtx) error {
		return ctx.SyncDir()
	}); err != nil {
		return err
	}
	if err := s.database.CommitRecording(c.rec, c.index, c.integrity); err != nil {
		return err
	}
	s.log.Debug().
		Int64("composite_id", int64(c.rec.CompositeID)).
		Int32("sample_file_bytes", c.rec.SampleFileBytes).
		Msg("committed recording")
	return nil
}

// doCollectGarbage unlinks each id's file, fsyncs the directory, and then
// removes the garbage rows for the ids that are confirmed gone. ENOENT
// counts as success (I3: the file may or may not exist).
func (s *Syncer) doCollectGarbage(ids []recording.CompositeID) {
	var unlinked []recording.CompositeID
	for _, id := range ids {
		if err := s.pool.Unlink(id); err != nil {
			s.log.Warn().Err(err).Int64("composite_id", int64(id)).Msg("unlink failed; leaving garbage row")
			continue
		}
		unlinked = append(unlinked, id)
	}
	if len(unlinked) == 0 {
		return
	}
	if err := s.pool.Run(func(ctx *dir.WorkerCtx) error {
		return ctx.SyncDir()
	}); err != nil {
		s.log.Warn().Err(err).Msg("directory fsync after unlink failed; leaving garbage rows")
		return
	}
	if err := s.database.DeleteGarbageRows(s.dirID, unlinked); err != nil {
		s.log.Warn().Err(err).Msg("deleting garbage rows failed")
	}
}

// submit hands a finished recording to the syncer and blocks until the
// index commit completes (or fails). Called by Writer.
func (s *Syncer) submit(c commit) error {
	s.commits <- c
	return <-c.ack
}

// CollectGarbage asynchronously unlinks the given ids' sample files.
// Callers that need completion should follow up with CollectGarbageNow.
func (s *Syncer) CollectGarbage(ids []recording.CompositeID) {
	if len(ids) == 0 {
		return
	}
	s.garbage <- ids
}

// CollectGarbageNow synchronously services every pending garbage row for
// this directory, for the operator-triggered GC pass and for shutdown.
func (s *Syncer) CollectGarbageNow() error {
	ids, err := s.database.ListGarbageIds(s.dirID)
	if err != nil {
		return err
	}
	s.doCollectGarbage(ids)
	return nil
}

// Close drains and stops the syncer goroutine.
func (s *Syncer) Close() {
	close(s.done)
	s.wg.Wait()
}
