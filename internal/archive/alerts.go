package archive

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
	"github.com/MIT-LCP/downcast/internal/wfdb"
	"github.com/google/uuid"
)

// saneTime is the earliest timestamp treated as a real value rather
// than a database placeholder, matching _sane_time.
var saneTime = mustParseTimestamp("1970-01-01 00:00:00.000 +00:00")

func mustParseTimestamp(s string) tstamp.Timestamp {
	ts, err := tstamp.Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

func alertAccessors() RecordAccessors[message.Alert] {
	return RecordAccessors[message.Alert]{
		Servername: func(m message.Alert) string { return string(m.Origin) },
		Timestamp:  func(m message.Alert) tstamp.Timestamp { return m.Timestamp },
		MappingID:  func(m message.Alert) (uuid.UUID, bool) { return m.MappingID, true },
		PatientID:  func(message.Alert) (uuid.UUID, bool) { return uuid.UUID{}, false },
	}
}

// AlertHandler writes each alert state change to a record's
// "_phi_alerts" log file, grounding output/alerts.py's AlertHandler.
type AlertHandler struct {
	log     zerolog.Logger
	archive *Archive
	mapping MappingResolver
}

// NewAlertHandler constructs a handler filing alerts against archive.
func NewAlertHandler(archive *Archive, mapping MappingResolver, log zerolog.Logger) *AlertHandler {
	return &AlertHandler{log: log.With().Str("component", "archive.alerts").Logger(), archive: archive, mapping: mapping}
}

// SendMessage grounds AlertHandler.send_message.
func (h *AlertHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	m, ok := msg.(message.Alert)
	if !ok {
		return nil
	}
	if err := d.NackMessage(channel, key, h, false); err != nil {
		return err
	}

	rec := GetRecord(h.archive, m, alertAccessors(), h.mapping, false)
	if rec == nil {
		return nil
	}

	logfile, err := rec.OpenLogFile("_phi_alerts")
	if err != nil {
		return err
	}

	idstr := m.AlertID.String()
	lbl := stringToASCII(m.Label)
	state := byte('=')
	if m.IsSilenced {
		state = '~'
	}

	if err := logfile.Append(fmt.Sprintf("S%d", m.SequenceNumber)); err != nil {
		return err
	}
	if !m.AnnounceTime.IsZero() && m.AnnounceTime.After(saneTime) {
		if err := logfile.Append(compactUTC(m.AnnounceTime)); err != nil {
			return err
		}
		if err := logfile.Append(fmt.Sprintf("(%s)+", idstr)); err != nil {
			return err
		}
	}
	if !m.OnsetTime.IsZero() && m.OnsetTime.After(saneTime) {
		if err := logfile.Append(compactUTC(m.OnsetTime)); err != nil {
			return err
		}
		if err := logfile.Append(fmt.Sprintf("(%s)!", idstr)); err != nil {
			return err
		}
	}
	if !m.EndTime.IsZero() && m.EndTime.After(saneTime) {
		if err := logfile.Append(compactUTC(m.EndTime)); err != nil {
			return err
		}
		if err := logfile.Append(fmt.Sprintf("(%s)-", idstr)); err != nil {
			return err
		}
	}
	if err := logfile.Append(compactUTC(m.Timestamp)); err != nil {
		return err
	}
	if err := logfile.Append(fmt.Sprintf("(%s)%d%c%s", idstr, m.Severity, state, lbl)); err != nil {
		return err
	}

	return d.AckMessage(channel, key, h)
}

// Flush grounds AlertHandler.flush.
func (h *AlertHandler) Flush() error { return h.archive.Flush() }

var infoPattern = regexp.MustCompile(`^\(([\w-]+)\)(?:([-+!])|(\d+)([=~])(.*))$`)

// alertInfo is one parsed "(id)..." info line: either a bare
// onset/announce/end marker, or a full severity/state/label record.
type alertInfo struct {
	alertID  string
	event    byte // '-', '+', or '!' for a marker line; 0 otherwise
	severity int
	state    byte // '=' or '~'
	label    string
	ok       bool
}

// parseAlertInfo ports _parse_info.
func parseAlertInfo(line string) alertInfo {
	m := infoPattern.FindStringSubmatch(line)
	if m == nil {
		return alertInfo{}
	}
	info := alertInfo{alertID: m[1], ok: true}
	if m[2] != "" {
		info.event = m[2][0]
		return info
	}
	sev, _ := strconv.Atoi(m[3])
	info.severity = sev
	info.state = m[4][0]
	info.label = m[5]
	return info
}

// alertState is the (severity, state, label) triple tracked per
// alert ID as its log entries are replayed.
type alertState struct {
	severity int
	state    byte
	label    string
}

// AlertFinalizer writes a record's alert state-change log as WFDB
// alarm annotations (waves.alarm), grounding output/alerts.py's
// AlertFinalizer.
type AlertFinalizer struct {
	record   *ArchiveRecord
	log      *ArchiveLogReader
	onset    map[string]tstamp.Timestamp
	announce map[string]tstamp.Timestamp
	end      map[string]tstamp.Timestamp
}

// NewAlertFinalizer opens the record's alert log and scans it once,
// adding every observed timestamp to the record's time map and
// recording the onset/announce/end time for each alert ID.
func NewAlertFinalizer(record *ArchiveRecord) (*AlertFinalizer, error) {
	reader, err := OpenArchiveLogReader(record.Path()+"/_phi_alerts", true)
	if err != nil {
		return nil, err
	}
	f := &AlertFinalizer{
		record:   record,
		log:      reader,
		onset:    make(map[string]tstamp.Timestamp),
		announce: make(map[string]tstamp.Timestamp),
		end:      make(map[string]tstamp.Timestamp),
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

		info := parseAlertInfo(it.Line)
		if !info.ok {
			continue
		}
		switch info.event {
		case '!':
			if cur, ok := f.onset[info.alertID]; !ok || ts.Before(cur) {
				f.onset[info.alertID] = ts
			}
		case '+':
			if cur, ok := f.announce[info.alertID]; !ok || ts.Before(cur) {
				f.announce[info.alertID] = ts
			}
		case '-':
			if cur, ok := f.end[info.alertID]; !ok || ts.After(cur) {
				f.end[info.alertID] = ts
			}
		}
	}
	return f, nil
}

// FinalizeRecord writes waves.alarm, grounding finalize_record.
func (f *AlertFinalizer) FinalizeRecord() error {
	sn0, hasSn0 := f.record.Seqnum0()
	if !hasSn0 {
		return nil
	}

	alertFirst := make(map[string]alertState)
	alertLast := make(map[string]alertState)
	alertNum := make(map[string]int)

	anns, err := wfdb.Create(f.record.Path()+"/waves.alarm", 1000)
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
		if resolved, ok := f.record.TimeMap.GetSeqnum(ts, false, 0); ok {
			sn = resolved
		}
		t := int64(sn) - int64(sn0)

		info := parseAlertInfo(it.Line)
		if !info.ok || info.event != 0 || info.alertID == "" || info.label == "" {
			continue
		}
		num, seen := alertNum[info.alertID]
		if !seen {
			num = len(alertNum) + 1
			alertNum[info.alertID] = num
		}
		oldState, hadOld := alertLast[info.alertID]
		newState := alertState{severity: info.severity, state: info.state, label: info.label}
		if _, ok := alertFirst[info.alertID]; !ok {
			alertFirst[info.alertID] = newState
		}
		alertLast[info.alertID] = newState

		announce, hasAnnounce := f.announce[info.alertID]
		end, hasEnd := f.end[info.alertID]
		if hadOld && oldState != newState &&
			(!hasAnnounce || ts.After(announce)) &&
			(!hasEnd || ts.Before(end)) {
			if err := putAlertAnnot(anns, t, num, ';', newState); err != nil {
				return err
			}
		}
	}

	for alertID, ts := range f.onset {
		num, ok := alertNum[alertID]
		sn, snOk := f.record.TimeMap.GetSeqnum(ts, false, 0)
		if !ok || !snOk {
			continue
		}
		if err := putAlertAnnot(anns, int64(sn)-int64(sn0), num, '+', alertFirst[alertID]); err != nil {
			return err
		}
	}
	for alertID, ts := range f.announce {
		num, ok := alertNum[alertID]
		sn, snOk := f.record.TimeMap.GetSeqnum(ts, false, 0)
		if !ok || !snOk {
			continue
		}
		if err := putAlertAnnot(anns, int64(sn)-int64(sn0), num, '<', alertFirst[alertID]); err != nil {
			return err
		}
	}
	for alertID, ts := range f.end {
		num, ok := alertNum[alertID]
		sn, snOk := f.record.TimeMap.GetSeqnum(ts, false, 0)
		if !ok || !snOk {
			continue
		}
		if err := putAlertAnnot(anns, int64(sn)-int64(sn0), num, '>', alertLast[alertID]); err != nil {
			return err
		}
	}

	return anns.Close()
}

// putAlertAnnot ports _put_annot's severity/event-to-subtype mapping.
func putAlertAnnot(anns *wfdb.Annotator, t int64, alertNum int, eventCode byte, st alertState) error {
	var subtyp int
	switch st.severity {
	case 0: // RED
		subtyp = 3
	case 1: // YELLOW
		subtyp = 2
	case 2: // SHORT YELLOW
		subtyp = 1
	default:
		subtyp = 0
	}
	switch eventCode {
	case '+':
		subtyp += 90
	case '<':
		subtyp += 80
	case '>':
		subtyp += 60
	default:
		subtyp += 70
	}

	aux := fmt.Sprintf("%c{%d}", eventCode, alertNum)
	if st.state == '~' {
		aux += "~"
	} else {
		aux += " "
	}
	aux += st.label

	return anns.Put(t, 255, wfdb.NOTE, subtyp, []byte(aux))
}
