package signal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scottlamb/moonfire-nvr-go/internal/nvrerrors"
	"github.com/scottlamb/moonfire-nvr-go/internal/recording"
)

// TypeValidator answers whether state is valid for signalID's configured
// type — the "state within that signal's type's valid mask" check of
// spec.md §4.7's update_signals.
type TypeValidator func(signalID uint32, state State) bool

// Store holds, in memory, the map from time to Point for every signal
// sharing this timeline, plus a per-signal calendar-day duration index
// (spec.md §4.7). One Store instance is intended per server (all signals
// share a single timeline of points, distinguished by signal id within
// each point).
type Store struct {
	mu         sync.Mutex
	loc        *time.Location
	maxChanges int
	points     []*Point // sorted ascending by Time
	days       map[uint32]map[civilDate]map[State]int64
	lastState  StateMap // state in effect after the final point (must be empty per S3 once settled)
	dirty      bool     // true when points have changed since the last Snapshot
}

// civilDate is a calendar date in the store's configured location.
type civilDate struct {
	Year  int
	Month time.Month
	Day   int
}

// NewStore constructs an empty timeline. maxChanges bounds the number of
// retained points (spec.md §4.7's garbage collection threshold); loc is
// the server's configured time zone used for day bucketing.
func NewStore(maxChanges int, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{loc: loc, maxChanges: maxChanges, days: make(map[uint32]map[civilDate]map[State]int64)}
}

func (s *Store) findIndex(t recording.Time90k) int {
	return sort.Search(len(s.points), func(i int) bool { return s.points[i].Time >= t })
}

// stateBefore returns the effective state map immediately before t,
// reconstructed by walking the point chain.
func (s *Store) stateBefore(t recording.Time90k) StateMap {
	i := s.findIndex(t)
	if i == 0 {
		return StateMap{}
	}
	p := s.points[i-1]
	if p.Time < t {
		return p.Prev.apply(p.Changes)
	}
	return p.Prev
}

// stateAt returns the effective state map at t, inclusive of a change
// occurring exactly at t.
func (s *Store) stateAt(t recording.Time90k) StateMap {
	before := s.stateBefore(t)
	i := s.findIndex(t)
	if i < len(s.points) && s.points[i].Time == t {
		return before.apply(s.points[i].Changes)
	}
	return before
}

// getOrInsertPoint returns the point at exactly time t, creating an empty
// one (prev computed from its neighbor) if absent.
func (s *Store) getOrInsertPoint(t recording.Time90k) *Point {
	i := s.findIndex(t)
	if i < len(s.points) && s.points[i].Time == t {
		return s.points[i]
	}
	p := &Point{Time: t, Prev: s.stateBefore(t), Changes: StateMap{}}
	s.points = append(s.points, nil)
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
	return p
}

// UpdateSignals implements spec.md §4.7's update_signals: validates
// inputs, then applies the new states over [start, end) in three stages
// (end point, start point, middle points), recomputes the prev chain, and
// runs garbage collection.
func (s *Store) UpdateSignals(start, end recording.Time90k, signals []uint32, states []State, valid TypeValidator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(signals) != len(states) {
		return nvrerrors.New(nvrerrors.InvalidArgument, "signal.UpdateSignals", fmt.Errorf("signals and states length mismatch"))
	}
	for i := 1; i < len(signals); i++ {
		if signals[i] <= signals[i-1] {
			return nvrerrors.New(nvrerrors.InvalidArgument, "signal.UpdateSignals", fmt.Errorf("signals must be strictly ascending"))
		}
	}
	if valid != nil {
		for i, id := range signals {
			if !valid(id, states[i]) {
				return nvrerrors.New(nvrerrors.InvalidArgument, "signal.UpdateSignals", fmt.Errorf("state %d invalid for signal %d", states[i], id))
			}
		}
	}
	if start >= end {
		return nil
	}

	oldEndState := s.stateAt(end)
	oldSegments := make(map[uint32][]segment, len(signals))
	for _, id := range signals {
		oldSegments[id] = s.signalSegments(id, start, end)
	}

	// Stage 1: end point reverts affected signals to whatever state was
	// already in effect at `end` before this call, so time at and after
	// `end` is left exactly as it was. The value is written unconditionally
	// (even when it is 0/unknown) since a point's Changes entry, not its
	// absence, is what overrides the carried-forward Prev state.
	endPoint := s.getOrInsertPoint(end)
	for _, id := range signals {
		endPoint.Changes[id] = oldEndState[id]
	}

	// Stage 2: start point effects the new states, written unconditionally
	// for the same reason as stage 1.
	startPoint := s.getOrInsertPoint(start)
	for i, id := range signals {
		startPoint.Changes[id] = states[i]
	}

	// Stage 3: trim changes to affected signals out of every point
	// strictly between start and end — the new start-point change
	// dominates for the whole range.
	lo, hi := s.findIndex(start)+1, s.findIndex(end)
	for i := lo; i < hi; i++ {
		for _, id := range signals {
			delete(s.points[i].Changes, id)
		}
	}

	s.recomputePrevChain()

	for _, id := range signals {
		newSegs := s.signalSegments(id, start, end)
		s.adjustDays(id, oldSegments[id], newSegs)
	}

	s.collectGarbage()
	s.dirty = true
	return nil
}

// ChangeRow is the persistable form of one point: the time plus the
// encoded changes half. Prev maps are derivable and never persisted.
type ChangeRow struct {
	Time    recording.Time90k
	Changes []byte
}

// Dirty reports whether the timeline has changed since the last Snapshot,
// for the flusher to decide whether a rewrite is needed.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Snapshot serializes the full timeline for persistence and clears the
// dirty flag. The point count is bounded by maxChanges.
func (s *Store) Snapshot() []ChangeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeRow, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, ChangeRow{Time: p.Time, Changes: EncodeChanges(p.Changes)})
	}
	s.dirty = false
	return out
}

// Load replaces the timeline from persisted rows (which must be in
// ascending time order), recomputing the prev chain and the days index.
func (s *Store) Load(rows []ChangeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := make([]*Point, 0, len(rows))
	for _, r := range rows {
		changes, err := DecodeChanges(r.Changes)
		if err != nil {
			return err
		}
		points = append(points, &Point{Time: r.Time, Changes: changes})
	}
	s.points = points
	s.recomputePrevChain()
	s.rebuildDays()
	s.dirty = false
	return nil
}

// rebuildDays recomputes the whole days index from the point chain, used
// after Load. Each inter-point interval contributes its duration to every
// signal's then-current state.
func (s *Store) rebuildDays() {
	s.days = make(map[uint32]map[civilDate]map[State]int64)
	state := StateMap{}
	for i, p := range s.points {
		state = state.apply(p.Changes)
		if i+1 >= len(s.points) {
			break // S3: all signals are unknown after the final point
		}
		next := s.points[i+1].Time
		for id, st := range state {
			s.walkDays(p.Time, next, func(date civilDate, dur int64) {
				s.addDay(id, st, date, dur)
			})
		}
	}
}

// segment is a maximal run of constant state for one signal.
type segment struct {
	start, end recording.Time90k
	state      State
}

// signalSegments walks the timeline and returns the constant-state runs
// of signalID overlapping [start, end), clipped to that range.
func (s *Store) signalSegments(signalID uint32, start, end recording.Time90k) []segment {
	var segs []segment
	state := s.stateBefore(start)[signalID]
	cur := start
	lo := s.findIndex(start)
	for i := lo; i < len(s.points) && s.points[i].Time < end; i++ {
		p := s.points[i]
		newState, changed := p.Changes[signalID]
		if !changed {
			continue
		}
		if p.Time > cur {
			segs = append(segs, segment{cur, p.Time, state})
		}
		cur = p.Time
		state = newState
	}
	if cur < end {
		segs = append(segs, segment{cur, end, state})
	}
	return segs
}

// adjustDays implements spec.md §4.7's days index maintenance: for every
// calendar day touched by a segment that changed between old and new,
// call the adjust hook to subtract the old state's duration and add the
// new one's.
func (s *Store) adjustDays(signalID uint32, oldSegs, newSegs []segment) {
	for _, seg := range oldSegs {
		s.walkDays(seg.start, seg.end, func(date civilDate, dur int64) {
			s.addDay(signalID, seg.state, date, -dur)
		})
	}
	for _, seg := range newSegs {
		s.walkDays(seg.start, seg.end, func(date civilDate, dur int64) {
			s.addDay(signalID, seg.state, date, dur)
		})
	}
}

func (s *Store) addDay(signalID uint32, state State, date civilDate, delta int64) {
	if state == 0 {
		return // unknown state isn't tracked in the days index
	}
	byDate, ok := s.days[signalID]
	if !ok {
		byDate = make(map[civilDate]map[State]int64)
		s.days[signalID] = byDate
	}
	byState, ok := byDate[date]
	if !ok {
		byState = make(map[State]int64)
		byDate[date] = byState
	}
	byState[state] += delta
	if byState[state] == 0 {
		delete(byState, state)
	}
	if len(byState) == 0 {
		delete(byDate, date)
	}
}

// walkDays splits [start, end) into per-calendar-day chunks in the
// store's configured time zone, calling fn with each day's duration in
// 90kHz ticks.
func (s *Store) walkDays(start, end recording.Time90k, fn func(date civilDate, dur int64)) {
	const ticksPerSec = 90000
	t := time.Unix(int64(start)/ticksPerSec, 0).In(s.loc)
	cur := start
	for cur < end {
		y, mo, d := t.Date()
		dayStart := time.Date(y, mo, d, 0, 0, 0, 0, s.loc)
		dayEnd := dayStart.AddDate(0, 0, 1)
		dayEndTicks := recording.Time90k(dayEnd.Unix() * ticksPerSec)
		next := end
		if dayEndTicks < next {
			next = dayEndTicks
		}
		fn(civilDate{y, mo, d}, int64(next-cur))
		cur = next
		t = time.Unix(int64(cur)/ticksPerSec, 0).In(s.loc)
	}
}

// DaySeconds returns the accumulated duration (in seconds) that signalID
// has spent in state on calendar date y-m-d, for the UI's per-day
// activity display (spec.md §4.7).
func (s *Store) DaySeconds(signalID uint32, state State, year int, month time.Month, day int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.days[signalID]
	if !ok {
		return 0
	}
	byState, ok := byDate[civilDate{year, month, day}]
	if !ok {
		return 0
	}
	return byState[state] / 90000
}

// recomputePrevChain restores invariant S2 across the whole timeline: it
// is simplest to recompute forward from the first point rather than track
// incremental deltas, since a single update can touch three disjoint
// regions of the chain at once.
func (s *Store) recomputePrevChain() {
	state := StateMap{}
	for _, p := range s.points {
		p.Prev = state
		state = state.apply(p.Changes)
	}
	s.lastState = state
}

// collectGarbage implements spec.md §4.7: if the point count exceeds
// maxChanges, drop the oldest excess points. The new first point's Prev
// was already computed as the cumulative state up to that point by
// recomputePrevChain, so no extra folding step is needed beyond dropping.
func (s *Store) collectGarbage() {
	if s.maxChanges <= 0 || len(s.points) <= s.maxChanges {
		return
	}
	excess := len(s.points) - s.maxChanges
	s.points = s.points[excess:]
}

// ListChangesByTime implements spec.md §4.7's list_changes_by_time: it
// first emits the state map in effect immediately before start, then the
// actual changes recorded by every point in [start, end) (which includes
// a point exactly at start, if one exists).
func (s *Store) ListChangesByTime(start, end recording.Time90k, cb func(t recording.Time90k, signal uint32, state State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	initial := s.stateBefore(start)
	ids := make([]uint32, 0, len(initial))
	for id := range initial {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := cb(start, id, initial[id]); err != nil {
			return err
		}
	}

	lo := s.findIndex(start)
	for i := lo; i < len(s.points) && s.points[i].Time < end; i++ {
		p := s.points[i]
		changedIDs := make([]uint32, 0, len(p.Changes))
		for id := range p.Changes {
			changedIDs = append(changedIDs, id)
		}
		sort.Slice(changedIDs, func(a, b int) bool { return changedIDs[a] < changedIDs[b] })
		for _, id := range changedIDs {
			if err := cb(p.Time, id, p.Changes[id]); err != nil {
				return err
			}
		}
	}
	return nil
}
