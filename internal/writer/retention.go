package writer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// retentionBatch bounds how many rows one enforcement pass examines per
// stream; the next pass picks up where this one left off.
const retentionBatch = 1000

// Retention periodically deletes each stream's oldest recordings until
// its on-disk byte total fits under retain_bytes (spec.md §4.4:
// "Retention"). Row deletion and the garbage insert happen in one
// transaction; the per-directory syncer completes the unlink.
type Retention struct {
	database *db.Database
	syncers  map[int32]*Syncer // by sample_file_dir id
	log      zerolog.Logger

	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
}

// NewRetention starts the enforcement loop.
func NewRetention(database *db.Database, syncers map[int32]*Syncer, interval time.Duration, log zerolog.Logger) *Retention {
	r := &Retention{
		database: database,
		syncers:  syncers,
		log:      log.With().Str("component", "writer.Retention").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Retention) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.EnforceNow(); err != nil {
				r.log.Warn().Err(err).Msg("retention pass failed")
			}
		case <-r.stop:
			return
		}
	}
}

// EnforceNow runs one enforcement pass over every recorded stream.
func (r *Retention) EnforceNow() error {
	for dirID, syncer := range r.syncers {
		streams := r.database.StreamsForDir(dirID)
		for _, s := range streams {
			if s.RetainBytes <= 0 {
				continue
			}
			if err := r.enforceStream(s, dirID, syncer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Retention) enforceStream(s db.Stream, dirID int32, syncer *Syncer) error {
	total, err := r.database.StreamSampleFileBytes(s.ID)
	if err != nil {
		return err
	}
	if total <= s.RetainBytes {
		return nil
	}
	oldest, err := r.database.ListOldestRecordings(recording.NewCompositeID(s.ID, 0), retentionBatch)
	if err != nil {
		return err
	}
	var toDelete []recording.CompositeID
	for _, rec := range oldest {
		if total <= s.RetainBytes {
			break
		}
		toDelete = append(toDelete, rec.CompositeID)
		total -= int64(rec.SampleFileBytes)
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := r.database.MoveToGarbage(dirID, toDelete); err != nil {
		return err
	}
	r.log.Info().
		Int32("stream_id", s.ID).
		Int("recordings", len(toDelete)).
		Int64("retain_bytes", s.RetainBytes).
		Msg("moved over-budget recordings to garbage")
	syncer.CollectGarbage(toDelete)
	return nil
}

// Close stops the loop.
func (r *Retention) Close() {
	close(r.stop)
	<-r.stopped
}
