package mp4

import (
	"fmt"

	"github.com/scottlamb/moonfire-nvr-go/internal/db"
)

// LiveHeader formats the text header block prefixed to each live media
// segment pushed over the websocket (spec.md §6, live.m4s): the m4s
// bytes follow the blank line. mediaStart/mediaEnd are the segment's
// media-time range relative to the recording's start.
func LiveHeader(rec db.Recording, codec string, mediaStart, mediaEnd int32) string {
	return fmt.Sprintf(
		"Content-Type: video/mp4; codecs=%q\r\n"+
			"X-Recording-Start: %d\r\n"+
			"X-Recording-Id: %d.%d\r\n"+
			"X-Media-Time-Range: %d-%d\r\n"+
			"X-Prev-Media-Duration: %d\r\n"+
			"X-Runs: %d\r\n"+
			"X-Video-Sample-Entry-Id: %d\r\n"+
			"\r\n",
		codec,
		int64(rec.StartTime90k),
		rec.OpenID, rec.CompositeID.RecordingID(),
		mediaStart, mediaEnd,
		rec.PrevMediaDuration90k,
		rec.PrevRuns,
		rec.VideoSampleEntryID)
}
