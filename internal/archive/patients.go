package archive

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
	"github.com/google/uuid"
)

// PatientHandler writes every patient demographic and attribute
// message to a record's "_phi_patient_info" log file as a simple
// timestamp,key,value line, grounding output/patients.py's
// PatientHandler.
type PatientHandler struct {
	log     zerolog.Logger
	archive *Archive
}

// NewPatientHandler constructs a handler that files patient info
// against records in archive.
func NewPatientHandler(archive *Archive, log zerolog.Logger) *PatientHandler {
	return &PatientHandler{log: log.With().Str("component", "archive.patients").Logger(), archive: archive}
}

func patientIDAccessors[T any](servername func(T) string, timestamp func(T) tstamp.Timestamp, patientID func(T) uuid.UUID) RecordAccessors[T] {
	return RecordAccessors[T]{
		Servername: servername,
		Timestamp:  timestamp,
		MappingID:  func(T) (uuid.UUID, bool) { return uuid.UUID{}, false },
		PatientID:  func(m T) (uuid.UUID, bool) { return patientID(m), true },
	}
}

func basicInfoAccessors() RecordAccessors[message.PatientBasicInfo] {
	return patientIDAccessors(
		func(m message.PatientBasicInfo) string { return string(m.Origin) },
		func(m message.PatientBasicInfo) tstamp.Timestamp { return m.Timestamp },
		func(m message.PatientBasicInfo) uuid.UUID { return m.PatientID },
	)
}

func dateAttrAccessors() RecordAccessors[message.PatientDateAttribute] {
	return patientIDAccessors(
		func(m message.PatientDateAttribute) string { return string(m.Origin) },
		func(m message.PatientDateAttribute) tstamp.Timestamp { return m.Timestamp },
		func(m message.PatientDateAttribute) uuid.UUID { return m.PatientID },
	)
}

func stringAttrAccessors() RecordAccessors[message.PatientStringAttribute] {
	return patientIDAccessors(
		func(m message.PatientStringAttribute) string { return string(m.Origin) },
		func(m message.PatientStringAttribute) tstamp.Timestamp { return m.Timestamp },
		func(m message.PatientStringAttribute) uuid.UUID { return m.PatientID },
	)
}

// noopResolver satisfies MappingResolver for patient-keyed message
// types, whose RecordAccessors.MappingID always reports false so the
// resolver is never actually consulted.
type noopResolver struct{}

func (noopResolver) PatientIDForMapping(uuid.UUID) (uuid.UUID, bool) { return uuid.UUID{}, false }

// SendMessage grounds PatientHandler.send_message for all three
// patient-attribute message kinds.
func (h *PatientHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	switch m := msg.(type) {
	case message.PatientBasicInfo:
		if err := d.NackMessage(channel, key, h, false); err != nil {
			return err
		}
		rec := GetRecord(h.archive, m, basicInfoAccessors(), noopResolver{}, true)
		if rec == nil {
			return nil
		}
		fields := []struct {
			key   string
			value any
		}{
			{"BedLabel", m.BedLabel},
			{"Alias", m.Alias},
			{"Category", m.Category},
			{"Height", m.Height},
			{"HeightUnit", m.HeightUnit},
			{"Weight", m.Weight},
			{"WeightUnit", m.WeightUnit},
			{"PressureUnit", m.PressureUnit},
			{"PacedMode", m.PacedMode},
			{"ResuscitationStatus", m.ResuscitationStatus},
			{"AdmitState", m.AdmitState},
			{"ClinicalUnit", m.ClinicalUnit},
			{"Gender", m.Gender},
		}
		for _, fl := range fields {
			if err := h.logInfo(rec, m.Timestamp, fl.key, fl.value); err != nil {
				return err
			}
		}
		return d.AckMessage(channel, key, h)

	case message.PatientDateAttribute:
		if err := d.NackMessage(channel, key, h, false); err != nil {
			return err
		}
		rec := GetRecord(h.archive, m, dateAttrAccessors(), noopResolver{}, true)
		if rec == nil {
			return nil
		}
		if err := h.logInfo(rec, m.Timestamp, "d:"+m.Name, m.Value); err != nil {
			return err
		}
		return d.AckMessage(channel, key, h)

	case message.PatientStringAttribute:
		if err := d.NackMessage(channel, key, h, false); err != nil {
			return err
		}
		rec := GetRecord(h.archive, m, stringAttrAccessors(), noopResolver{}, true)
		if rec == nil {
			return nil
		}
		if err := h.logInfo(rec, m.Timestamp, "s:"+m.Name, m.Value); err != nil {
			return err
		}
		return d.AckMessage(channel, key, h)
	}
	return nil
}

func (h *PatientHandler) logInfo(rec *ArchiveRecord, ts tstamp.Timestamp, key string, value any) error {
	logfile, err := rec.OpenLogFile("_phi_patient_info")
	if err != nil {
		return err
	}
	return logfile.Append(fmt.Sprintf("%s,%s,%s", ts.String(), escapeField(key), escapeField(fmt.Sprintf("%v", value))))
}

// Flush grounds PatientHandler.flush, which simply flushes the whole
// archive.
func (h *PatientHandler) Flush() error { return h.archive.Flush() }

// escapeField backslash-escapes control characters, DEL, and the
// characters the comma-separated log format itself uses as
// delimiters, writing each as a three-digit octal escape, matching
// _escape's str.translate table.
func escapeField(s string) string {
	var b strings.Builder
	for _, r := range s {
		if needsEscape(r) {
			fmt.Fprintf(&b, "\\%03o", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func needsEscape(r rune) bool {
	if r < 32 || r == 127 {
		return true
	}
	switch r {
	case ',', '"', '\'', '\\':
		return true
	}
	return false
}
