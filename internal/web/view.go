package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/scottlamb/moonfire-nvr-go/internal/mp4"
	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// apiView serves view.mp4 (normal files, optional ts=true subtitle
// track) and view.m4s (media segments) for the `s=` segments given in
// the query string.
func (s *Server) apiView(mediaSegment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := s.authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		stream, err := s.streamFromPath(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if stream.SampleFileDirID == nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.FailedPrecondition, "web.apiView", errors.New("stream has no sample file dir")))
			return
		}
		pool, ok := s.pools[*stream.SampleFileDirID]
		if !ok {
			s.writeError(w, r, nvrerrors.New(nvrerrors.FailedPrecondition, "web.apiView", errors.New("sample file dir is not open")))
			return
		}

		q := r.URL.Query()
		specs := q["s"]
		if len(specs) == 0 {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiView", errors.New("at least one s parameter is required")))
			return
		}

		typ := mp4.TypeNormal
		if mediaSegment {
			typ = mp4.TypeMediaSegment
		}
		b := mp4.NewFileBuilder(typ)
		if q.Get("ts") == "true" {
			if err := b.IncludeTimestampSubtitleTrack(true); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		for _, raw := range specs {
			spec, err := parseSegmentSpec(raw)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if err := s.appendSpec(b, stream.ID, spec); err != nil {
				s.writeError(w, r, err)
				return
			}
		}

		f, err := b.Build(func(id recording.CompositeID) (mp4.ReadonlyFile, error) {
			return pool.OpenForReading(id)
		}, s.loc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer f.Close()
		f.ServeHTTP(w, r)
	}
}

// appendSpec expands one parsed s= value into builder segments: every
// recording in the inclusive id range, with the relative time window
// interpreted against the start of the first recording.
func (s *Server) appendSpec(b *mp4.FileBuilder, streamID int32, spec segmentSpec) error {
	recs, err := s.database.ListRecordingsByID(streamID, spec.startID, spec.endID+1)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nvrerrors.New(nvrerrors.NotFound, "web.appendSpec",
			fmt.Errorf("no recordings with ids [%d, %d]", spec.startID, spec.endID))
	}
	if recs[0].CompositeID.RecordingID() != spec.startID {
		return nvrerrors.New(nvrerrors.NotFound, "web.appendSpec",
			fmt.Errorf("recording %d is gone", spec.startID))
	}

	var cum recording.Time90k
	for i, rec := range recs {
		if i > 0 && rec.CompositeID.RecordingID() != recs[i-1].CompositeID.RecordingID()+1 {
			return nvrerrors.New(nvrerrors.NotFound, "web.appendSpec",
				fmt.Errorf("recording %d is gone mid-range", recs[i-1].CompositeID.RecordingID()+1))
		}
		if spec.openID != nil && rec.OpenID != *spec.openID {
			return nvrerrors.New(nvrerrors.NotFound, "web.appendSpec",
				fmt.Errorf("recording %v has open id %d, want %d", rec.CompositeID, rec.OpenID, *spec.openID))
		}

		recStart := cum
		recEnd := cum + recording.Time90k(rec.WallDuration90k)
		cum = recEnd

		// Intersect [spec.relStart, spec.relEnd) with this recording's
		// window in the concatenated timeline.
		lo := spec.relStart
		if lo < recStart {
			lo = recStart
		}
		hi := recEnd
		if spec.relEnd >= 0 && spec.relEnd < hi {
			hi = spec.relEnd
		}
		if lo >= hi {
			continue
		}

		entry, ok := s.database.VideoSampleEntryByID(rec.VideoSampleEntryID)
		if !ok {
			return nvrerrors.New(nvrerrors.InvalidArgument, "web.appendSpec",
				fmt.Errorf("recording %v references missing video sample entry %d", rec.CompositeID, rec.VideoSampleEntryID))
		}
		blob, err := s.database.RecordingPlaybackBlob(rec.CompositeID)
		if err != nil {
			return err
		}
		if err := b.Append(rec, blob, int32(lo-recStart), int32(hi-recStart), entry); err != nil {
			return err
		}
	}
	return nil
}

// apiInit serves /api/init/<id>.mp4: the init segment for one video
// sample entry, used by MSE players alongside live media segments.
func (s *Server) apiInit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := s.authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		idStr, ok := strings.CutSuffix(r.PathValue("id"), ".mp4")
		if !ok {
			http.NotFound(w, r)
			return
		}
		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil {
			s.writeError(w, r, nvrerrors.New(nvrerrors.InvalidArgument, "web.apiInit", err))
			return
		}
		entry, found := s.database.VideoSampleEntryByID(int32(id))
		if !found {
			s.writeError(w, r, nvrerrors.New(nvrerrors.NotFound, "web.apiInit", fmt.Errorf("no video sample entry %d", id)))
			return
		}
		b := mp4.NewFileBuilder(mp4.TypeInitSegment)
		b.AppendVideoSampleEntry(entry)
		f, err := b.Build(nil, s.loc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer f.Close()
		f.ServeHTTP(w, r)
	}
}

