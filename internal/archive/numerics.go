package archive

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
	"github.com/google/uuid"
)

// NumericAttrResolver looks up the cached metadata row for a numeric
// ID on a given origin, mirroring origin.get_numeric_attr. mustResolve
// (true once a message's TTL has expired) asks the resolver to make
// its best effort rather than continue waiting for a not-yet-arrived
// attribute message.
type NumericAttrResolver interface {
	NumericAttr(origin message.Origin, numericID int64, mustResolve bool) (message.NumericAttr, bool)
}

func numericValueAccessors() RecordAccessors[message.NumericValue] {
	return RecordAccessors[message.NumericValue]{
		Servername: func(m message.NumericValue) string { return string(m.Origin) },
		Timestamp:  func(m message.NumericValue) tstamp.Timestamp { return m.Timestamp },
		MappingID:  func(m message.NumericValue) (uuid.UUID, bool) { return m.MappingID, true },
		PatientID:  func(message.NumericValue) (uuid.UUID, bool) { return uuid.UUID{}, false },
	}
}

type periodicMark struct {
	sn tstamp.SequenceNumber
	ts tstamp.Timestamp
}

// NumericValueHandler writes each numeric value message to one of two
// per-record log files (aperiodic or periodic, depending on the
// attribute's cached is_aperiodic flag), grounding
// output/numerics.py's NumericValueHandler.
type NumericValueHandler struct {
	log      zerolog.Logger
	archive  *Archive
	mapping  MappingResolver
	attrs    NumericAttrResolver
	lastPer  map[*ArchiveRecord]periodicMark
	lastAper map[*ArchiveRecord]tstamp.SequenceNumber
}

// NewNumericValueHandler constructs a handler filing numeric values
// against archive, resolving mapping IDs via mapping and numeric
// metadata via attrs.
func NewNumericValueHandler(archive *Archive, mapping MappingResolver, attrs NumericAttrResolver, log zerolog.Logger) *NumericValueHandler {
	return &NumericValueHandler{
		log:      log.With().Str("component", "archive.numerics").Logger(),
		archive:  archive,
		mapping:  mapping,
		attrs:    attrs,
		lastPer:  make(map[*ArchiveRecord]periodicMark),
		lastAper: make(map[*ArchiveRecord]tstamp.SequenceNumber),
	}
}

// SendMessage grounds NumericValueHandler.send_message.
func (h *NumericValueHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	m, ok := msg.(message.NumericValue)
	if !ok {
		return nil
	}
	if err := d.NackMessage(channel, key, h, false); err != nil {
		return err
	}

	attr, found := h.attrs.NumericAttr(m.Origin, m.NumericID, ttl <= 0)
	if !found {
		return nil
	}

	rec := GetRecord(h.archive, m, numericValueAccessors(), h.mapping, false)
	if rec == nil {
		return nil
	}
	if rec.IsDump() {
		if err := rec.WriteDump(m); err != nil {
			return err
		}
		return d.AckMessage(channel, key, h)
	}

	if attr.IsAperiodic {
		logfile, err := rec.OpenLogFile("_phi_aperiodics")
		if err != nil {
			return err
		}
		sn := m.SequenceNumber
		if old, ok := h.lastAper[rec]; !ok || sn != old {
			if err := logfile.Append(fmt.Sprintf("S%d", sn)); err != nil {
				return err
			}
		}
		h.lastAper[rec] = sn

		lbl := stringToASCII(attr.SubLabel)
		ulbl := stringToASCII(attr.UnitLabel)
		if err := logfile.Append(fmt.Sprintf("%s\t%s\t%s", lbl, m.Value, ulbl)); err != nil {
			return err
		}
		return d.AckMessage(channel, key, h)
	}

	logfile, err := rec.OpenLogFile("_phi_numerics")
	if err != nil {
		return err
	}
	sn := m.SequenceNumber
	ts := m.Timestamp
	old, hasOld := h.lastPer[rec]
	if !hasOld || sn != old.sn {
		if err := logfile.Append(fmt.Sprintf("S%d", sn)); err != nil {
			return err
		}
	}
	if !hasOld || !ts.Equal(old.ts) {
		if err := logfile.Append(compactUTC(ts)); err != nil {
			return err
		}
	}
	h.lastPer[rec] = periodicMark{sn: sn, ts: ts}

	lbl := stringToASCII(attr.SubLabel)
	ulbl := stringToASCII(attr.UnitLabel)
	if err := logfile.Append(fmt.Sprintf("%s\t%s\t%s", lbl, m.Value, ulbl)); err != nil {
		return err
	}
	return d.AckMessage(channel, key, h)
}

// Flush grounds NumericValueHandler.flush.
func (h *NumericValueHandler) Flush() error { return h.archive.Flush() }

// numericColumn identifies one column of the finalized numerics.csv:
// a (label, units) pair.
type numericColumn struct {
	label, units string
}

// NumericValueFinalizer reconciles a record's periodic and aperiodic
// numeric logs into numerics.csv, grounding
// output/numerics.py's NumericValueFinalizer.
type NumericValueFinalizer struct {
	record      *ArchiveRecord
	periodic    *ArchiveLogReader
	aperiodic   *ArchiveLogReader
	allNumerics map[numericColumn]bool
}

// NewNumericValueFinalizer opens the record's numeric logs and scans
// them once, adding every observed periodic timestamp to the record's
// time map and collecting the set of distinct numeric columns.
func NewNumericValueFinalizer(record *ArchiveRecord) (*NumericValueFinalizer, error) {
	f := &NumericValueFinalizer{record: record, allNumerics: make(map[numericColumn]bool)}

	periodic, err := OpenArchiveLogReader(fmt.Sprintf("%s/_phi_numerics", record.Path()), true)
	if err != nil {
		return nil, err
	}
	f.periodic = periodic
	items, err := periodic.Items()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		ts, err := parseCompactUTC(it.Timestamp)
		if err != nil {
			continue
		}
		record.TimeMap.AddTime(ts)
		addNumericColumn(f.allNumerics, it.Line)
	}

	aperiodic, err := OpenArchiveLogReader(fmt.Sprintf("%s/_phi_aperiodics", record.Path()), true)
	if err != nil {
		return nil, err
	}
	f.aperiodic = aperiodic
	items, err = aperiodic.Items()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		addNumericColumn(f.allNumerics, it.Line)
	}

	return f, nil
}

func addNumericColumn(set map[numericColumn]bool, line string) {
	parts := splitTab(line)
	if len(parts) >= 3 && parts[1] != "" {
		set[numericColumn{label: parts[0], units: parts[2]}] = true
	}
}

func splitTab(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// FinalizeRecord writes numerics.csv, grounding finalize_record.
func (f *NumericValueFinalizer) FinalizeRecord() error {
	if len(f.allNumerics) == 0 {
		return nil
	}

	columns := make([]numericColumn, 0, len(f.allNumerics))
	for c := range f.allNumerics {
		columns = append(columns, c)
	}
	sort.Slice(columns, func(i, j int) bool {
		if columns[i].label != columns[j].label {
			return columns[i].label < columns[j].label
		}
		return columns[i].units < columns[j].units
	})
	colIndex := make(map[numericColumn]int, len(columns))
	for i, c := range columns {
		colIndex[c] = i + 1
	}

	path := f.record.Path() + "/numerics.csv"
	out, err := createTruncated(path)
	if err != nil {
		return err
	}
	defer out.Close()

	header := []string{`"time"`}
	for _, c := range columns {
		units := c.units
		if units == "" {
			units = "NU"
		}
		desc := c.label + " [" + units + "]"
		header = append(header, `"`+escapeQuotes(desc)+`"`)
	}
	if err := out.writeRow(header); err != nil {
		return err
	}

	sn0, hasSn0 := f.record.Seqnum0()

	periodicItems, err := f.periodic.SortedItems()
	if err != nil {
		return err
	}
	aperiodicItems, err := f.aperiodic.SortedItems()
	if err != nil {
		return err
	}
	merged := MergeSorted(periodicItems, aperiodicItems)

	row := make([]string, len(columns)+1)
	rowTime := ""
	haveRow := false
	var curTs, curSn int64
	haveCur := false
	var curTime string

	flushRow := func() error {
		if !haveRow {
			return nil
		}
		row[0] = rowTime
		return out.writeRow(row)
	}

	for _, it := range merged {
		parts := splitTab(it.Line)
		if len(parts) < 3 || parts[1] == "" {
			continue
		}
		col, ok := colIndex[numericColumn{label: parts[0], units: parts[2]}]
		if !ok {
			continue
		}

		var obsTime string
		if haveCur && it.Timestamp == curTs && it.Seqnum == curSn {
			obsTime = curTime
		} else {
			var obsSn tstamp.SequenceNumber
			if it.Timestamp == 0 {
				obsSn = tstamp.SequenceNumber(it.Seqnum)
			} else {
				ts, err := parseCompactUTC(it.Timestamp)
				if err != nil {
					continue
				}
				if sn, ok := f.record.TimeMap.GetSeqnum(ts, true, tstamp.SequenceNumber(it.Seqnum)+5120); ok {
					obsSn = sn
				} else {
					obsSn = tstamp.SequenceNumber(it.Seqnum)
				}
			}
			if !hasSn0 {
				sn0 = obsSn
				hasSn0 = true
			}
			obsTime = fmt.Sprintf("%d", int64(obsSn)-int64(sn0))
			curTs, curSn, curTime = it.Timestamp, it.Seqnum, obsTime
			haveCur = true
		}

		if obsTime != rowTime || !haveRow {
			if err := flushRow(); err != nil {
				return err
			}
			row = make([]string, len(columns)+1)
			rowTime = obsTime
			haveRow = true
		}
		row[col] = trimTrailingZeros(parts[1])
	}
	if err := flushRow(); err != nil {
		return err
	}
	return out.sync()
}

func escapeQuotes(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			b = append(b, '"', '"')
		} else {
			b = append(b, s[i])
		}
	}
	return string(b)
}

// trimTrailingZeros strips a trailing ".0" decimal tail the way the
// source's `rstrip(b'0').rstrip(b'.')` does, without touching a value
// that has no decimal point at all.
func trimTrailingZeros(s string) string {
	if !containsByte(s, '.') {
		return s
	}
	i := len(s)
	for i > 0 && s[i-1] == '0' {
		i--
	}
	if i > 0 && s[i-1] == '.' {
		i--
	}
	return s[:i]
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
