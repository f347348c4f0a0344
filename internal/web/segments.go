package web

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// segmentSpec is one parsed `s=` query parameter (spec.md §6):
//
//	START_ID[-END_ID][@OPEN_ID][.[REL_START_TIME]-[REL_END_TIME]]
//
// END_ID is inclusive and defaults to START_ID. The times are wall-time
// offsets in 90 kHz units relative to the start of START_ID; an absent
// start means 0 and an absent end means "through the last recording".
type segmentSpec struct {
	startID, endID int32
	openID         *recording.OpenID
	relStart       recording.Time90k
	relEnd         recording.Time90k // negative means unbounded
}

func parseSegmentSpec(s string) (segmentSpec, error) {
	spec := segmentSpec{relEnd: -1}
	bad := func(detail string) (segmentSpec, error) {
		return segmentSpec{}, nvrerrors.New(nvrerrors.InvalidArgument, "web.parseSegmentSpec",
			fmt.Errorf("bad s parameter %q: %s", s, detail))
	}

	ids := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		ids = s[:i]
		times := s[i+1:]
		j := strings.IndexByte(times, '-')
		if j < 0 {
			return bad("time range must contain '-'")
		}
		if j > 0 {
			v, err := strconv.ParseInt(times[:j], 10, 64)
			if err != nil || v < 0 {
				return bad("bad rel start time")
			}
			spec.relStart = recording.Time90k(v)
		}
		if j+1 < len(times) {
			v, err := strconv.ParseInt(times[j+1:], 10, 64)
			if err != nil || v < 0 {
				return bad("bad rel end time")
			}
			spec.relEnd = recording.Time90k(v)
		}
		if spec.relEnd >= 0 && spec.relEnd <= spec.relStart {
			return bad("empty time range")
		}
	}

	if i := strings.IndexByte(ids, '@'); i >= 0 {
		v, err := strconv.ParseUint(ids[i+1:], 10, 32)
		if err != nil {
			return bad("bad open id")
		}
		openID := recording.OpenID(v)
		spec.openID = &openID
		ids = ids[:i]
	}

	if i := strings.IndexByte(ids, '-'); i >= 0 {
		v, err := strconv.ParseInt(ids[:i], 10, 32)
		if err != nil || v < 0 {
			return bad("bad start id")
		}
		spec.startID = int32(v)
		v, err = strconv.ParseInt(ids[i+1:], 10, 32)
		if err != nil || v < int64(spec.startID) {
			return bad("bad end id")
		}
		spec.endID = int32(v)
	} else {
		v, err := strconv.ParseInt(ids, 10, 32)
		if err != nil || v < 0 {
			return bad("bad id")
		}
		spec.startID = int32(v)
		spec.endID = spec.startID
	}
	return spec, nil
}
