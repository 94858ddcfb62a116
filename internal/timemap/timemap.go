// Package timemap tracks the mapping between sequence number and
// wall-clock timestamp for one output record.
//
// Sequence numbers provide a reliable measurement of elapsed time;
// wall-clock timestamps do not. Two events whose sequence numbers
// differ by 1,000,000 are exactly twice as far apart as two events
// whose sequence numbers differ by 500,000, but two events whose
// timestamps differ by 1,000 seconds might be anywhere from 970 to
// 1,030 seconds apart, since the monitor's wall clock can be adjusted
// at any time. TimeMap aggregates every observed (sequence number,
// timestamp) correspondence into a set of spans, each with its own
// base time, so that an arbitrary timestamp can be translated to the
// most likely sequence number at which it would have been generated,
// and vice versa.
//
// Ported from the reference implementation's timemap.py.
package timemap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// span is one contiguous range of sequence numbers believed to share
// a single base time (base + seqnum == wall-clock time, for every
// seqnum in [start, end]). gaps accumulates non-reference timestamps
// observed to fall after this span's end and before the next span's
// start, for resolve_gaps to reconcile once every input has been
// seen.
type span struct {
	start tstamp.SequenceNumber
	end   tstamp.SequenceNumber
	base  tstamp.Timestamp
	gaps  []tstamp.Timestamp
}

// TimeMap is not safe for concurrent use; callers serialize access the
// same way the reference implementation's single-threaded finalizer
// does.
type TimeMap struct {
	recordID string
	log      zerolog.Logger
	entries  []*span
}

// New constructs an empty TimeMap for one record.
func New(recordID string, log zerolog.Logger) *TimeMap {
	return &TimeMap{
		recordID: recordID,
		log:      log.With().Str("component", "timemap").Str("record", recordID).Logger(),
	}
}

// Read loads a previously written time map file at path/name. A
// missing file is not an error — a brand new record simply starts
// with no entries.
func (m *TimeMap) Read(path, name string) error {
	f, err := os.Open(filepath.Join(path, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("timemap: read: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) < 3 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return fmt.Errorf("timemap: read: malformed start %q: %w", row[0], err)
		}
		end, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return fmt.Errorf("timemap: read: malformed end %q: %w", row[1], err)
		}
		base, err := tstamp.Parse(row[2])
		if err != nil {
			return fmt.Errorf("timemap: read: malformed base time %q: %w", row[2], err)
		}
		m.entries = append(m.entries, &span{
			start: tstamp.SequenceNumber(start),
			end:   tstamp.SequenceNumber(end),
			base:  base,
		})
	}
	sort.Slice(m.entries, func(i, j int) bool { return spanLess(m.entries[i], m.entries[j]) })
	return nil
}

func spanLess(a, b *span) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	if a.end != b.end {
		return a.end < b.end
	}
	return a.base.Compare(b.base) < 0
}

// Write persists the reference spans (start, end, base time) to
// path/name via an atomic tmpfile-write-sync-rename, matching the
// reference implementation's fdatasync-before-rename durability rule.
// Gap timestamps accumulated by AddTime are never persisted — they
// exist only to drive ResolveGaps within a single run.
func (m *TimeMap) Write(path, name string) error {
	tmp := filepath.Join(path, "_"+name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("timemap: write: %w", err)
	}

	w := csv.NewWriter(f)
	for _, e := range m.entries {
		row := []string{
			strconv.FormatInt(int64(e.start), 10),
			strconv.FormatInt(int64(e.end), 10),
			e.base.String(),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("timemap: write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("timemap: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("timemap: write: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("timemap: write: close: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(path, name)); err != nil {
		return fmt.Errorf("timemap: write: rename: %w", err)
	}
	return nil
}

// closeEnough is the span-extension threshold (30 seconds expressed
// in milliseconds, the unit sequence numbers are denominated in) the
// reference implementation hardcodes in set_time.
const closeEnough = tstamp.SequenceNumber(30000)

// SetTime records a trustworthy correspondence between seqnum and
// time, as observed directly in a reliable source such as a wave
// sample message. It either folds seqnum into an existing span
// (verifying consistency, or extending the span if the two edges are
// close enough that only one clock adjustment could plausibly explain
// the gap) or opens a new span.
func (m *TimeMap) SetTime(seqnum tstamp.SequenceNumber, t tstamp.Timestamp) {
	base := tstamp.AddMS(t, -seqnum)

	// i = index of the first span that starts at or after seqnum.
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].start >= seqnum })
	var p, n *span
	if i > 0 {
		p = m.entries[i-1]
	}
	if i < len(m.entries) {
		n = m.entries[i]
	}

	switch {
	case p != nil && seqnum <= p.end:
		if !base.Equal(p.base) {
			m.log.Warn().Int64("seqnum", int64(seqnum)).Msg("conflicting timestamps")
		}
	case n != nil && seqnum >= n.start:
		if !base.Equal(n.base) {
			m.log.Warn().Int64("seqnum", int64(seqnum)).Msg("conflicting timestamps")
		}
	case p != nil && p.base.Equal(base) && seqnum-p.end < closeEnough:
		p.end = seqnum
		if n != nil && n.base.Equal(base) && n.start-seqnum < closeEnough {
			n.start = p.start
			m.entries = append(m.entries[:i-1], m.entries[i:]...)
		}
	case n != nil && n.base.Equal(base) && n.start-seqnum < closeEnough:
		n.start = seqnum
	default:
		s := &span{start: seqnum, end: seqnum, base: base}
		m.entries = append(m.entries, nil)
		copy(m.entries[i+1:], m.entries[i:])
		m.entries[i] = s
	}
}

// AddTime records a non-reference timestamp — one observed on a
// message whose exact sequence number isn't yet known, such as a
// numeric or alert. It is not persisted; it exists only to feed
// ResolveGaps, and should only be called after every reference
// timestamp for this run has already been recorded via SetTime.
func (m *TimeMap) AddTime(t tstamp.Timestamp) {
	for _, e := range m.entries {
		start := tstamp.AddMS(e.base, e.start)
		if t.Before(start) {
			e.gaps = appendUniqueTime(e.gaps, t)
			return
		}
		end := tstamp.AddMS(e.base, e.end)
		if !t.After(end) {
			return
		}
	}
}

func appendUniqueTime(gaps []tstamp.Timestamp, t tstamp.Timestamp) []tstamp.Timestamp {
	for _, g := range gaps {
		if g.Equal(t) {
			return gaps
		}
	}
	return append(gaps, t)
}

// GetSeqnum guesses the sequence number corresponding to a wall-clock
// time. limit, if hasLimit is true, is the latest possible value
// (inclusive) this sequence number could have — typically, if a
// message's own sequence number is N, no event it reports could have
// occurred at a sequence number greater than N+5120. Returns false if
// the map has no entries at all.
func (m *TimeMap) GetSeqnum(t tstamp.Timestamp, hasLimit bool, limit tstamp.SequenceNumber) (tstamp.SequenceNumber, bool) {
	if len(m.entries) == 0 {
		return 0, false
	}
	if !hasLimit {
		limit = m.entries[len(m.entries)-1].end
	}

	type candidate struct {
		sn  tstamp.SequenceNumber
		end tstamp.SequenceNumber
	}
	possible := make([]candidate, 0, len(m.entries))
	var bestKnown tstamp.SequenceNumber
	hasBest := false
	for _, e := range m.entries {
		sn := tstamp.DeltaMS(t, e.base)
		possible = append(possible, candidate{sn, e.end})
		if e.start <= sn && sn <= e.end && sn <= limit {
			bestKnown = sn
			hasBest = true
		}
	}
	if hasBest {
		return bestKnown, true
	}

	for _, c := range possible {
		if c.sn <= c.end {
			return c.sn, true
		}
	}
	return possible[len(possible)-1].sn, true
}

// GetTime guesses the wall-clock time corresponding to a sequence
// number, using whichever span's base puts seqnum closest to (or
// inside) its own range. Returns false if the map has no entries.
func (m *TimeMap) GetTime(seqnum tstamp.SequenceNumber) (tstamp.Timestamp, bool) {
	var bestTime tstamp.Timestamp
	var bestDelta tstamp.SequenceNumber
	hasBest := false
	for _, e := range m.entries {
		delta := maxSeq(e.start-seqnum, seqnum-e.end)
		if !hasBest || delta < bestDelta {
			bestTime = tstamp.AddMS(e.base, seqnum)
			bestDelta = delta
			hasBest = true
		}
	}
	return bestTime, hasBest
}

func maxSeq(a, b tstamp.SequenceNumber) tstamp.SequenceNumber {
	if a > b {
		return a
	}
	return b
}

// ResolveGaps refines the map using every non-reference timestamp
// accumulated since the last call, to pin down exactly when a clock
// adjustment between two consecutive spans must have occurred. When a
// gap between span P and span N contains observed timestamps, the
// widest interval between two (sorted, deduplicated) observed-or-span-
// edge instants is assumed to contain the adjustment; the instant
// before that gap is attributed to P's clock and the instant after it
// to N's clock, and both are recorded via SetTime.
//
// Iterates over a snapshot of the spans present when it is called: the
// SetTime calls it makes may insert or merge spans, but those changes
// should not perturb which pair of original spans this pass is
// currently reconciling.
func (m *TimeMap) ResolveGaps() {
	snapshot := make([]*span, len(m.entries))
	copy(snapshot, m.entries)

	var p *span
	for _, n := range snapshot {
		if p != nil && len(n.gaps) > 0 {
			gapStart := tstamp.AddMS(p.base, p.end)
			gapEnd := tstamp.AddMS(n.base, n.start)

			instants := append(append([]tstamp.Timestamp{}, n.gaps...), gapStart, gapEnd)
			instants = sortUniqueTimes(instants)

			bestDur := time.Duration(0)
			bestAt := gapStart
			for i := 1; i < len(instants); i++ {
				d := instants[i].Sub(instants[i-1])
				// >=, not >: resolve_gaps's Python original picks the
				// widest gap via max() over (duration, timestamp)
				// tuples, which prefers the later-starting gap on a
				// duration tie.
				if d >= bestDur {
					bestDur = d
					bestAt = instants[i-1]
				}
			}

			tBefore := bestAt
			tAfter := tBefore.Add(bestDur)
			snp := tstamp.DeltaMS(tBefore, p.base)
			snn := tstamp.DeltaMS(tAfter, n.base)
			m.SetTime(snp, tBefore)
			m.SetTime(snn, tAfter)
		}
		p = n
	}
}

func sortUniqueTimes(ts []tstamp.Timestamp) []tstamp.Timestamp {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	out := ts[:0]
	for i, t := range ts {
		if i == 0 || !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
