package writer

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// Writer is the per-stream state machine of spec.md §4.4. It is either
// idle (no open file) or open (a WriteStream plus an in-progress index).
// A sample's duration is only known once the next sample's timestamp
// arrives, so the most recent sample is held pending until then; Close
// writes it with the duration the caller supplies (zero sets the
// trailing-zero flag, invariant I6).
//
// Writer is not safe for concurrent use: exactly one ingester goroutine
// owns it, and backpressure from the directory pool's bounded queue and
// the syncer's bounded inbox deliberately blocks that goroutine when the
// disk falls behind.
type Writer struct {
	database *db.Database
	pool     *dir.Pool
	syncer   *Syncer
	streamID int32
	openID   recording.OpenID
	log      zerolog.Logger

	// RotateIntervalSec overrides the default rotation threshold, for
	// tests. Zero means recording.RotateIntervalSec.
	RotateIntervalSec int64

	nextRecordingID int32
	runOffset       int32 // -1 when no run is in progress
	prevMediaDur    int64
	prevRuns        int64

	cur *openRecording
}

type openRecording struct {
	id      recording.CompositeID
	ws      *dir.WriteStream
	enc     *recording.SampleIndexEncoder
	index   bytes.Buffer
	hash    *blake3.Hasher
	start   recording.Time90k
	entryID int32
	pending *pendingSample
}

type pendingSample struct {
	pts   recording.Time90k
	size  int32
	isKey bool
}

// New constructs an idle Writer for streamID. The stream row's cumulative
// counters seed the next recording id and the prev_* columns (I4: ids are
// never reused, even across process restarts).
func New(database *db.Database, pool *dir.Pool, syncer *Syncer, streamID int32, log zerolog.Logger) (*Writer, error) {
	s, ok := database.Stream(streamID)
	if !ok {
		return nil, nvrerrors.New(nvrerrors.NotFound, "writer.New", fmt.Errorf("no stream %d", streamID))
	}
	openID, ok := database.OpenID()
	if !ok {
		return nil, nvrerrors.New(nvrerrors.FailedPrecondition, "writer.New", fmt.Errorf("database is read-only"))
	}
	return &Writer{
		database:        database,
		pool:            pool,
		syncer:          syncer,
		streamID:        streamID,
		openID:          openID,
		log:             log.With().Str("component", "writer.Writer").Int32("stream_id", streamID).Logger(),
		nextRecordingID: s.CumRecordings,
		runOffset:       -1,
		prevMediaDur:    s.CumMediaDuration90k,
		prevRuns:        s.CumRuns,
	}, nil
}

func (w *Writer) rotateInterval90k() recording.Time90k {
	sec := w.RotateIntervalSec
	if sec == 0 {
		sec = recording.RotateIntervalSec
	}
	return recording.Time90k(sec * recording.TimeUnitsPerSec)
}

// WriteSample appends one frame. pts is the frame's wall-clock timestamp;
// the previous frame's duration is derived from it. Rotation happens on a
// key frame once the open recording's span reaches the rotate interval.
func (w *Writer) WriteSample(pts recording.Time90k, isKey bool, data []byte, entryID int32) error {
	if w.cur != nil && isKey && pts-w.cur.start >= w.rotateInterval90k() {
		if err := w.finish(pts, 0, "", false); err != nil {
			return err
		}
	}
	if w.cur == nil {
		if !isKey {
			// A recording must begin with a sync sample; drop until one
			// arrives (fresh stream or post-rotation edge).
			return nil
		}
		if err := w.open(pts, entryID); err != nil {
			return err
		}
	}

	cur := w.cur
	if cur.pending != nil {
		d := pts - cur.pending.pts
		if d < 0 {
			return nvrerrors.New(nvrerrors.InvalidArgument, "writer.Writer.WriteSample",
				fmt.Errorf("pts went backwards: %d after %d", pts, cur.pending.pts))
		}
		cur.enc.AddSample(&cur.index, int32(d), cur.pending.size, cur.pending.isKey)
		cur.pending = nil
	}

	if err := cur.ws.Write(data); err != nil {
		w.abandon()
		return err
	}
	cur.hash.Write(data)
	cur.pending = &pendingSample{pts: pts, size: int32(len(data)), isKey: isKey}
	return nil
}

func (w *Writer) open(start recording.Time90k, entryID int32) error {
	id := recording.NewCompositeID(w.streamID, w.nextRecordingID)
	ws, err := w.pool.CreateFile(id)
	if err != nil {
		return err
	}
	if w.runOffset < 0 {
		w.runOffset = 0
	}
	w.cur = &openRecording{
		id:      id,
		ws:      ws,
		enc:     recording.NewSampleIndexEncoder(),
		hash:    blake3.New(32, nil),
		start:   start,
		entryID: entryID,
	}
	w.log.Debug().Int64("composite_id", int64(id)).Msg("opened sample file")
	return nil
}

// finish closes the open recording: the pending sample's duration is
// derived from endPts during rotation and is lastDuration at stream end,
// the file is fsynced, and the metadata goes to the syncer. endOfRun=false
// during rotation keeps the run alive for the next recording.
func (w *Writer) finish(endPts recording.Time90k, lastDuration recording.Time90k, endReason string, endOfRun bool) error {
	cur := w.cur
	if cur == nil {
		return nil
	}
	w.cur = nil

	flags := uint32(0)
	if cur.pending != nil {
		d := lastDuration
		if endPts > cur.pending.pts {
			d = endPts - cur.pending.pts
		}
		if d == 0 {
			flags |= db.RecordingFlagTrailingZero
		}
		cur.enc.AddSample(&cur.index, int32(d), cur.pending.size, cur.pending.isKey)
		cur.pending = nil
	}

	if cur.enc.VideoSamples == 0 {
		// Nothing was written; abandon rather than commit an empty row.
		cur.ws.Abandon()
		return nil
	}

	if err := cur.ws.SyncAll(); err != nil {
		cur.ws.Abandon()
		return err
	}
	if err := cur.ws.Close(); err != nil {
		return err
	}

	wallDur := cur.enc.TotalDuration90k
	if wallDur >= int64(recording.MaxRecordingWallDuration90k) {
		return nvrerrors.New(nvrerrors.Internal, "writer.Writer.finish",
			fmt.Errorf("recording duration %d exceeds the 5 minute bound", wallDur))
	}
	sum := cur.hash.Sum(nil)
	rec := db.Recording{
		CompositeID:          cur.id,
		StreamID:             w.streamID,
		OpenID:               w.openID,
		RunOffset:            w.runOffset,
		Flags:                flags,
		StartTime90k:         cur.start,
		WallDuration90k:      int32(wallDur),
		VideoSamples:         cur.enc.VideoSamples,
		VideoSyncSamples:     cur.enc.VideoSyncSamples,
		SampleFileBytes:      int32(cur.enc.TotalBytes),
		VideoSampleEntryID:   cur.entryID,
		PrevMediaDuration90k: w.prevMediaDur,
		PrevRuns:             w.prevRuns,
		EndReason:            endReason,
	}
	err := w.syncer.submit(commit{
		rec:       rec,
		index:     append([]byte(nil), cur.index.Bytes()...),
		integrity: &db.RecordingIntegrity{SampleFileBlake3: sum},
		ack:       make(chan error, 1),
	})
	if err != nil {
		return err
	}

	w.nextRecordingID++
	w.prevMediaDur += rec.MediaDuration90k()
	if w.runOffset == 0 {
		w.prevRuns++
	}
	if endOfRun {
		w.runOffset = -1
	} else {
		w.runOffset++
	}
	return nil
}

// abandon unlinks the in-progress file after a write failure; the stream
// reconnects after a backoff and starts a fresh run (spec.md §7).
func (w *Writer) abandon() {
	if w.cur == nil {
		return
	}
	if err := w.cur.ws.Abandon(); err != nil {
		w.log.Warn().Err(err).Int64("composite_id", int64(w.cur.id)).Msg("abandon failed")
	}
	w.cur = nil
	w.runOffset = -1
}

// Close ends the current recording and run. lastDuration is the final
// sample's duration if the ingester knows it (from a stream teardown
// timestamp); zero marks the recording trailing-zero.
func (w *Writer) Close(lastDuration recording.Time90k, endReason string) error {
	return w.finish(0, lastDuration, endReason, true)
}
