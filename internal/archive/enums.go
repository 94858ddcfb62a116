package archive

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
	"github.com/MIT-LCP/downcast/internal/wfdb"
	"github.com/google/uuid"
)

// EnumerationAttrResolver looks up the cached metadata row for an
// enumeration ID on a given origin, mirroring
// origin.get_enumeration_attr.
type EnumerationAttrResolver interface {
	EnumerationAttr(origin message.Origin, enumerationID int64, mustResolve bool) (message.EnumerationAttr, bool)
}

func enumerationValueAccessors() RecordAccessors[message.EnumerationValue] {
	return RecordAccessors[message.EnumerationValue]{
		Servername: func(m message.EnumerationValue) string { return string(m.Origin) },
		Timestamp:  func(m message.EnumerationValue) tstamp.Timestamp { return m.Timestamp },
		MappingID:  func(m message.EnumerationValue) (uuid.UUID, bool) { return m.MappingID, true },
		PatientID:  func(message.EnumerationValue) (uuid.UUID, bool) { return uuid.UUID{}, false },
	}
}

// EnumerationValueHandler writes each enumeration value message
// (alarm/beat-type annotations, rhythm labels, and the like) to a
// per-record log file, grounding output/enums.py's
// EnumerationValueHandler.
type EnumerationValueHandler struct {
	log       zerolog.Logger
	archive   *Archive
	mapping   MappingResolver
	attrs     EnumerationAttrResolver
	lastEvent map[*ArchiveRecord]periodicMark
}

// NewEnumerationValueHandler constructs a handler filing enumeration
// values against archive.
func NewEnumerationValueHandler(archive *Archive, mapping MappingResolver, attrs EnumerationAttrResolver, log zerolog.Logger) *EnumerationValueHandler {
	return &EnumerationValueHandler{
		log:       log.With().Str("component", "archive.enums").Logger(),
		archive:   archive,
		mapping:   mapping,
		attrs:     attrs,
		lastEvent: make(map[*ArchiveRecord]periodicMark),
	}
}

// SendMessage grounds EnumerationValueHandler.send_message.
func (h *EnumerationValueHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	m, ok := msg.(message.EnumerationValue)
	if !ok {
		return nil
	}
	if err := d.NackMessage(channel, key, h, false); err != nil {
		return err
	}

	attr, found := h.attrs.EnumerationAttr(m.Origin, m.EnumerationID, ttl <= 0)
	if !found {
		return nil
	}

	rec := GetRecord(h.archive, m, enumerationValueAccessors(), h.mapping, false)
	if rec == nil {
		return nil
	}
	if rec.IsDump() {
		if err := rec.WriteDump(m); err != nil {
			return err
		}
		return d.AckMessage(channel, key, h)
	}

	logfile, err := rec.OpenLogFile("_phi_enums")
	if err != nil {
		return err
	}

	sn := m.SequenceNumber
	ts := m.Timestamp
	old, hasOld := h.lastEvent[rec]
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
	h.lastEvent[rec] = periodicMark{sn: sn, ts: ts}

	val := stripControl(m.Value)
	if err := logfile.Append(fmt.Sprintf("%s\t%d\t%s", attr.Label, attr.ValuePhysioID, val)); err != nil {
		return err
	}
	return d.AckMessage(channel, key, h)
}

// Flush grounds EnumerationValueHandler.flush.
func (h *EnumerationValueHandler) Flush() error { return h.archive.Flush() }

// annCode is one row of the known-DWC-annotation-code table:
// (anntyp, subtyp, aux).
type annCode struct {
	anntyp wfdb.AnnotationType
	subtyp int
	aux    []byte
}

// knownAnnCodes ports enums.py's _ann_code table: known DWC
// annotation physio IDs mapped onto a WFDB anntyp/subtyp/aux triple.
var knownAnnCodes = map[string]annCode{
	"148631": {wfdb.NORMAL, 0, nil},        // N - normal
	"148767": {wfdb.PVC, 0, nil},           // V - ventricular
	"147983": {wfdb.SVPB, 0, nil},          // S - supraventricular
	"148063": {wfdb.PACE, 0, nil},          // P - paced (most common?)
	"147543": {wfdb.PACE, 1, nil},          // P - paced
	"147591": {wfdb.PACE, 2, nil},          // P - paced (least common?)
	"147631": {wfdb.PACESP, 0, nil},        // ' - single pacer spike
	"148751": {wfdb.PACESP, 1, nil},        // " - bivent. pacer spike
	"148783": {wfdb.LEARN, 0, nil},         // L - learning
	"147551": {wfdb.NOTE, 0, []byte("M")},  // M - missed beat
	"195396": {wfdb.UNKNOWN, 0, nil},       // B - QRS, unspecified type
	"148759": {wfdb.UNKNOWN, 1, nil},       // ? - QRS, unclassifiable
	"147527": {wfdb.ARFCT, 0, nil},         // A - artifact
	"148743": {wfdb.NOTE, 0, []byte("_")},  // I - signals inoperable
}

// annLetter ports _ann_letter: unknown annotations are mapped to an
// anntyp based on the first letter of the label.
var annLetter = map[byte]wfdb.AnnotationType{
	'N': wfdb.NORMAL,
	'V': wfdb.PVC,
	'S': wfdb.SVPB,
	'P': wfdb.PACE,
	'\'': wfdb.PACESP,
	'"': wfdb.PACESP,
	'L': wfdb.LEARN,
	'M': wfdb.NOTE,
	'B': wfdb.UNKNOWN,
	'?': wfdb.UNKNOWN,
	'A': wfdb.ARFCT,
}

// EnumerationValueFinalizer writes a record's enumeration log as WFDB
// beat annotations (waves.beat), grounding
// output/enums.py's EnumerationValueFinalizer.
type EnumerationValueFinalizer struct {
	record *ArchiveRecord
	log    *ArchiveLogReader
}

// NewEnumerationValueFinalizer opens the record's enum log and scans
// it once, adding every observed timestamp to the record's time map.
func NewEnumerationValueFinalizer(record *ArchiveRecord) (*EnumerationValueFinalizer, error) {
	reader, err := OpenArchiveLogReader(record.Path()+"/_phi_enums", true)
	if err != nil {
		return nil, err
	}
	items, err := reader.Items()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		ts, err := parseCompactUTC(it.Timestamp)
		if err != nil {
			continue
		}
		record.TimeMap.AddTime(ts)
	}
	return &EnumerationValueFinalizer{record: record, log: reader}, nil
}

// FinalizeRecord writes waves.beat, grounding finalize_record.
func (f *EnumerationValueFinalizer) FinalizeRecord() error {
	sn0, ok := f.record.Seqnum0()
	if !ok {
		return nil
	}

	anns, err := wfdb.Create(f.record.Path()+"/waves.beat", 1000)
	if err != nil {
		return err
	}
	defer anns.Close()

	items, err := f.log.SortedItems()
	if err != nil {
		return err
	}
	for _, it := range items {
		ts, err := parseCompactUTC(it.Timestamp)
		if err != nil {
			continue
		}
		sn := tstamp.SequenceNumber(it.Seqnum)
		if resolved, ok := f.record.TimeMap.GetSeqnum(ts, true, sn+5120); ok {
			sn = resolved
		}

		parts := splitTab(it.Line)
		if len(parts) != 3 || parts[0] != "Annot" {
			continue
		}
		valuePhysioID := parts[1]
		value := parts[2]

		var anntyp wfdb.AnnotationType
		var subtyp int
		var aux []byte
		if code, ok := knownAnnCodes[valuePhysioID]; ok {
			anntyp, subtyp, aux = code.anntyp, code.subtyp, code.aux
		} else {
			anntyp = wfdb.UNKNOWN
			if len(value) > 0 {
				if a, ok := annLetter[value[0]]; ok {
					anntyp = a
				}
			}
			subtyp = 0
			aux = []byte("[" + valuePhysioID + "] " + value)
		}

		if err := anns.Put(int64(sn)-int64(sn0), 255, anntyp, subtyp, aux); err != nil {
			return err
		}
	}
	return anns.Close()
}
