// Package ingest accepts RTSP publish sessions and pumps their H.264
// samples into the recording engine. The RTSP protocol handling itself
// belongs to gortsplib (spec.md §1 treats the RTSP client library as an
// external collaborator); this package only adapts a published stream
// into video sample entries and writer calls.
//
// The handler structure follows the teacher's gortsplib server
// (OnAnnounce/OnSetup/OnRecord with a mutex-protected session map).
package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
	"github.com/scottlamb/moonfire-nvr-go/internal/writer"
)

// WriterFactory opens a Writer for a stream id; supplied by the daemon,
// which knows which directory pool and syncer serve the stream.
type WriterFactory func(streamID int32) (*writer.Writer, error)

// Ingester is an RTSP server accepting publishes at
// rtsp://host/<camera_short_name>/<main|sub>.
type Ingester struct {
	database  *db.Database
	newWriter WriterFactory
	log       zerolog.Logger

	server *gortsplib.Server

	mu       sync.Mutex
	sessions map[*gortsplib.ServerSession]*publishSession
}

type publishSession struct {
	path    string
	w       *writer.Writer
	entryID int32
	decoder *rtph264.Decoder
	format  *format.H264

	// RTP timestamps are already in 90 kHz units; the first packet
	// anchors them to the wall clock.
	anchored    bool
	anchorRTP   uint32
	anchorWall  recording.Time90k
	lastPTS     recording.Time90k
}

// New constructs an Ingester listening on bind.
func New(database *db.Database, newWriter WriterFactory, bind string, log zerolog.Logger) *Ingester {
	ing := &Ingester{
		database:  database,
		newWriter: newWriter,
		log:       log.With().Str("component", "ingest.Ingester").Logger(),
		sessions:  make(map[*gortsplib.ServerSession]*publishSession),
	}
	ing.server = &gortsplib.Server{
		Handler:      ing,
		RTSPAddress:  bind,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return ing
}

// Start begins listening.
func (ing *Ingester) Start() error {
	if err := ing.server.Start(); err != nil {
		return nvrerrors.New(nvrerrors.Unavailable, "ingest.Ingester.Start", err)
	}
	ing.log.Info().Str("bind", ing.server.RTSPAddress).Msg("RTSP ingest listening")
	return nil
}

// Close stops the server and closes every in-progress recording.
func (ing *Ingester) Close() {
	ing.server.Close()
	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, ps := range ing.sessions {
		if err := ps.w.Close(0, "shutdown"); err != nil {
			ing.log.Warn().Err(err).Str("path", ps.path).Msg("closing writer failed")
		}
	}
	ing.sessions = make(map[*gortsplib.ServerSession]*publishSession)
}

// resolveStream maps a publish path like "front/main" to a stream row.
func (ing *Ingester) resolveStream(path string) (db.Stream, error) {
	name, typ, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok || (typ != string(db.StreamMain) && typ != string(db.StreamSub)) {
		return db.Stream{}, nvrerrors.New(nvrerrors.NotFound, "ingest.resolveStream",
			fmt.Errorf("path %q is not <camera>/<main|sub>", path))
	}
	for _, cam := range ing.database.Cameras() {
		if cam.ShortName != name {
			continue
		}
		for _, s := range ing.database.StreamsForCamera(cam.ID) {
			if string(s.Type) == typ {
				if !s.Record {
					return db.Stream{}, nvrerrors.New(nvrerrors.FailedPrecondition, "ingest.resolveStream",
						fmt.Errorf("stream %s/%s is not configured to record", name, typ))
				}
				return s, nil
			}
		}
	}
	return db.Stream{}, nvrerrors.New(nvrerrors.NotFound, "ingest.resolveStream",
		fmt.Errorf("no stream matches %q", path))
}

// OnAnnounce validates the publish: the path must resolve to a recorded
// stream and the description must carry H.264.
func (ing *Ingester) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, error) {
	stream, err := ing.resolveStream(ctx.Path)
	if err != nil {
		ing.log.Warn().Err(err).Str("path", ctx.Path).Msg("rejecting announce")
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}

	var h264f *format.H264
	if ctx.Description.FindFormat(&h264f) == nil {
		ing.log.Warn().Str("path", ctx.Path).Msg("announce carries no H.264 track")
		return &base.Response{StatusCode: base.StatusUnsupportedMediaType}, nil
	}

	entryID, err := ing.sampleEntryFor(h264f)
	if err != nil {
		ing.log.Error().Err(err).Str("path", ctx.Path).Msg("building sample entry failed")
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil
	}
	w, err := ing.newWriter(stream.ID)
	if err != nil {
		ing.log.Error().Err(err).Str("path", ctx.Path).Msg("opening writer failed")
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil
	}
	decoder, err := h264f.CreateDecoder()
	if err != nil {
		ing.log.Error().Err(err).Str("path", ctx.Path).Msg("creating RTP decoder failed")
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil
	}

	ing.mu.Lock()
	ing.sessions[ctx.Session] = &publishSession{
		path:    ctx.Path,
		w:       w,
		entryID: entryID,
		decoder: decoder,
		format:  h264f,
	}
	ing.mu.Unlock()
	ing.log.Info().Str("path", ctx.Path).Int32("stream_id", stream.ID).Msg("publisher announced")
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnSetup accepts transport setup for publishers.
func (ing *Ingester) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil, nil
}

// OnRecord starts consuming RTP packets.
func (ing *Ingester) OnRecord(ctx *gortsplib.ServerHandlerOnRecordCtx) (*base.Response, error) {
	ing.mu.Lock()
	ps, ok := ing.sessions[ctx.Session]
	ing.mu.Unlock()
	if !ok {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}

	ctx.Session.OnPacketRTPAny(func(media *description.Media, f format.Format, pkt *rtp.Packet) {
		if f != ps.format {
			return
		}
		if err := ing.handlePacket(ps, pkt); err != nil {
			ing.log.Warn().Err(err).Str("path", ps.path).Msg("dropping sample")
		}
	})
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnSessionClose ends the in-progress recording and its run.
func (ing *Ingester) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	ing.mu.Lock()
	ps, ok := ing.sessions[ctx.Session]
	delete(ing.sessions, ctx.Session)
	ing.mu.Unlock()
	if !ok {
		return
	}
	reason := "rtsp session closed"
	if ctx.Error != nil {
		reason = ctx.Error.Error()
	}
	if err := ps.w.Close(0, reason); err != nil {
		ing.log.Warn().Err(err).Str("path", ps.path).Msg("closing writer failed")
	}
	ing.log.Info().Str("path", ps.path).Str("reason", reason).Msg("publisher left")
}

// handlePacket depacketizes one RTP packet and, when it completes an
// access unit, writes it as a length-prefixed (AVCC) sample.
func (ing *Ingester) handlePacket(ps *publishSession, pkt *rtp.Packet) error {
	au, err := ps.decoder.Decode(pkt)
	if err != nil {
		if err == rtph264.ErrMorePacketsNeeded || err == rtph264.ErrNonStartingPacketAndNoPrevious {
			return nil
		}
		return err
	}

	if !ps.anchored {
		ps.anchored = true
		ps.anchorRTP = pkt.Timestamp
		ps.anchorWall = recording.FromUnixNano(time.Now())
	}
	// RTP H.264 clock rate is 90 kHz, matching the engine timebase; the
	// signed delta handles wraparound.
	pts := ps.anchorWall + recording.Time90k(int32(pkt.Timestamp-ps.anchorRTP))
	if pts <= ps.lastPTS && ps.lastPTS != 0 {
		return nil // out-of-order or duplicate timestamp
	}
	ps.lastPTS = pts

	isKey := false
	var sample []byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if nalu[0]&0x1f == 5 { // IDR
			isKey = true
		}
		var lp [4]byte
		lp[0] = byte(len(nalu) >> 24)
		lp[1] = byte(len(nalu) >> 16)
		lp[2] = byte(len(nalu) >> 8)
		lp[3] = byte(len(nalu))
		sample = append(sample, lp[:]...)
		sample = append(sample, nalu...)
	}
	if len(sample) == 0 {
		return nil
	}
	return ps.w.WriteSample(pts, isKey, sample, ps.entryID)
}
