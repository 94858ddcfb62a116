package extractor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/sqlsource"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// mappingChannel and patientChannel are the Go stand-ins for the
// source's ('M', mapping_id) / ('P', patient_id) channel tuples: plain
// comparable structs, usable as dispatch.Dispatcher map keys the same
// way a Python tuple is hashable.
type mappingChannel struct {
	kind byte
	id   uuid.UUID
}

type patientChannel struct {
	kind byte
	id   uuid.UUID
}

func toRangeQuery(rq RangeQuery, mappingID, patientID uuid.UUID) sqlsource.RangeQuery {
	return sqlsource.RangeQuery{
		MappingID: mappingID,
		PatientID: patientID,
		HasTimeGE: rq.HasTimeGE,
		TimeGE:    rq.TimeGE,
		HasTimeLE: rq.HasTimeLE,
		TimeLE:    rq.TimeLE,
		HasTimeLT: rq.HasTimeLT,
		TimeLT:    rq.TimeLT,
		Reverse:   rq.Reverse,
		Limit:     rq.Limit,
	}
}

const messagesPerBatch = 10000

// Window bounds a queue to start_time/end_time, mirroring the
// --start/--end options ExtractorQueue.__init__ accepts in the source:
// --start only makes sense alongside --init (there is no prior queue
// state to resume from yet) and --end only alongside --batch (a
// --live run has no fixed endpoint). An unset field behaves as if the
// corresponding CLI flag was omitted.
type Window struct {
	HasStart bool
	Start    tstamp.Timestamp
	HasEnd   bool
	End      tstamp.Timestamp
}

// NewWaveSampleQueue grounds WaveSampleQueue: biased 30s into the past
// (waveform rows can arrive slightly out of order) with a short idle
// delay, since waveform data is the highest-rate, lowest-latency
// signal in the system.
func NewWaveSampleQueue(src *sqlsource.PGSource, origin message.Origin, mappingID uuid.UUID, patientMappingQueue Queue, resolver PatientIDResolver, win Window, log zerolog.Logger) *MappingIDExtractorQueue[message.WaveSample] {
	name := "wave-" + mappingID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.WaveSample, error) {
		return src.FetchWaveSamples(ctx, origin, toRangeQuery(rq, mappingID, uuid.Nil))
	}
	acc := Accessors[message.WaveSample]{
		Timestamp: func(m message.WaveSample) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.WaveSample) any { return mappingChannel{'M', m.MappingID} },
		TTL:       func(message.WaveSample) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, -30*time.Second, 500*time.Millisecond)
	return NewMappingIDExtractorQueue(base, mappingID, func(m message.WaveSample) uuid.UUID { return m.MappingID }, patientMappingQueue, resolver, 8*time.Minute)
}

// NewNumericValueQueue grounds NumericValueQueue: no bias (numerics
// are reported in strict order), one-second idle delay.
func NewNumericValueQueue(src *sqlsource.PGSource, origin message.Origin, mappingID uuid.UUID, patientMappingQueue Queue, resolver PatientIDResolver, win Window, log zerolog.Logger) *MappingIDExtractorQueue[message.NumericValue] {
	name := "numeric-" + mappingID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.NumericValue, error) {
		return src.FetchNumericValues(ctx, origin, toRangeQuery(rq, mappingID, uuid.Nil))
	}
	acc := Accessors[message.NumericValue]{
		Timestamp: func(m message.NumericValue) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.NumericValue) any { return mappingChannel{'M', m.MappingID} },
		TTL:       func(message.NumericValue) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, 0, time.Second)
	return NewMappingIDExtractorQueue(base, mappingID, func(m message.NumericValue) uuid.UUID { return m.MappingID }, patientMappingQueue, resolver, 8*time.Minute)
}

// NewEnumerationValueQueue grounds EnumerationValueQueue.
func NewEnumerationValueQueue(src *sqlsource.PGSource, origin message.Origin, mappingID uuid.UUID, patientMappingQueue Queue, resolver PatientIDResolver, win Window, log zerolog.Logger) *MappingIDExtractorQueue[message.EnumerationValue] {
	name := "enum-" + mappingID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.EnumerationValue, error) {
		return src.FetchEnumerationValues(ctx, origin, toRangeQuery(rq, mappingID, uuid.Nil))
	}
	acc := Accessors[message.EnumerationValue]{
		Timestamp: func(m message.EnumerationValue) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.EnumerationValue) any { return mappingChannel{'M', m.MappingID} },
		TTL:       func(message.EnumerationValue) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, 0, 500*time.Millisecond)
	return NewMappingIDExtractorQueue(base, mappingID, func(m message.EnumerationValue) uuid.UUID { return m.MappingID }, patientMappingQueue, resolver, 8*time.Minute)
}

// NewAlertQueue grounds AlertQueue.
func NewAlertQueue(src *sqlsource.PGSource, origin message.Origin, mappingID uuid.UUID, patientMappingQueue Queue, resolver PatientIDResolver, win Window, log zerolog.Logger) *MappingIDExtractorQueue[message.Alert] {
	name := "alert-" + mappingID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.Alert, error) {
		return src.FetchAlerts(ctx, origin, toRangeQuery(rq, mappingID, uuid.Nil))
	}
	acc := Accessors[message.Alert]{
		Timestamp: func(m message.Alert) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.Alert) any { return mappingChannel{'M', m.MappingID} },
		TTL:       func(message.Alert) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, 0, time.Second)
	return NewMappingIDExtractorQueue(base, mappingID, func(m message.Alert) uuid.UUID { return m.MappingID }, patientMappingQueue, resolver, 8*time.Minute)
}

// NewPatientMappingQueue grounds PatientMappingQueue: biased 8 minutes
// into the past and a 5-minute idle delay, since mapping resolution
// feeds every mapping-scoped queue's StallingQueue check and doesn't
// need to run hot.
func NewPatientMappingQueue(src *sqlsource.PGSource, origin message.Origin, mappingID uuid.UUID, win Window, log zerolog.Logger) *MappingIDExtractorQueue[message.PatientMapping] {
	name := "mapping-" + mappingID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.PatientMapping, error) {
		return src.FetchPatientMappings(ctx, origin, toRangeQuery(rq, mappingID, uuid.Nil))
	}
	acc := Accessors[message.PatientMapping]{
		Timestamp: func(m message.PatientMapping) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.PatientMapping) any { return mappingChannel{'M', m.MappingID} },
		TTL:       func(message.PatientMapping) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, -8*time.Minute, 5*time.Minute)
	// A PatientMappingQueue cannot stall on another instance of itself.
	return NewMappingIDExtractorQueue(base, mappingID, func(m message.PatientMapping) uuid.UUID { return m.MappingID }, nil, nil, 0)
}

// NewPatientBasicInfoQueue grounds PatientBasicInfoQueue.
func NewPatientBasicInfoQueue(src *sqlsource.PGSource, origin message.Origin, patientID uuid.UUID, win Window, log zerolog.Logger) *PatientIDExtractorQueue[message.PatientBasicInfo] {
	name := "patient-basic-" + patientID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.PatientBasicInfo, error) {
		return src.FetchPatientBasicInfo(ctx, origin, toRangeQuery(rq, uuid.Nil, patientID))
	}
	acc := Accessors[message.PatientBasicInfo]{
		Timestamp: func(m message.PatientBasicInfo) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.PatientBasicInfo) any { return patientChannel{'P', m.PatientID} },
		TTL:       func(message.PatientBasicInfo) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(time.Hour, 0, 31*time.Minute)
	return NewPatientIDExtractorQueue(base, patientID)
}

// NewPatientDateAttributeQueue grounds PatientDateAttributeQueue.
func NewPatientDateAttributeQueue(src *sqlsource.PGSource, origin message.Origin, patientID uuid.UUID, win Window, log zerolog.Logger) *PatientIDExtractorQueue[message.PatientDateAttribute] {
	name := "patient-date-attr-" + patientID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.PatientDateAttribute, error) {
		return src.FetchPatientDateAttributes(ctx, origin, toRangeQuery(rq, uuid.Nil, patientID))
	}
	acc := Accessors[message.PatientDateAttribute]{
		Timestamp: func(m message.PatientDateAttribute) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.PatientDateAttribute) any { return patientChannel{'P', m.PatientID} },
		TTL:       func(message.PatientDateAttribute) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(time.Hour, 0, 32*time.Minute)
	return NewPatientIDExtractorQueue(base, patientID)
}

// NewPatientStringAttributeQueue grounds PatientStringAttributeQueue.
func NewPatientStringAttributeQueue(src *sqlsource.PGSource, origin message.Origin, patientID uuid.UUID, win Window, log zerolog.Logger) *PatientIDExtractorQueue[message.PatientStringAttribute] {
	name := "patient-string-attr-" + patientID.String()
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.PatientStringAttribute, error) {
		return src.FetchPatientStringAttributes(ctx, origin, toRangeQuery(rq, uuid.Nil, patientID))
	}
	acc := Accessors[message.PatientStringAttribute]{
		Timestamp: func(m message.PatientStringAttribute) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(m message.PatientStringAttribute) any { return patientChannel{'P', m.PatientID} },
		TTL:       func(message.PatientStringAttribute) int64 { return int64(messagesPerBatch) * 20 },
	}
	base := NewBaseQueue(name, fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(time.Hour, 0, 33*time.Minute)
	return NewPatientIDExtractorQueue(base, patientID)
}

// NewBedTagQueue grounds BedTagQueue: the one queue kind with no
// mapping or patient scope (bed tags describe the monitor bed itself)
// and a single shared dispatch channel (nil, matching the source's
// message_channel returning None for every bed tag).
func NewBedTagQueue(src *sqlsource.PGSource, origin message.Origin, win Window, log zerolog.Logger) *BaseQueue[message.BedTag] {
	fetch := func(ctx context.Context, rq RangeQuery) ([]message.BedTag, error) {
		return src.FetchBedTags(ctx, origin, toRangeQuery(rq, uuid.Nil, uuid.Nil))
	}
	acc := Accessors[message.BedTag]{
		Timestamp: func(m message.BedTag) tstamp.Timestamp { return m.Timestamp },
		Channel:   func(message.BedTag) any { return nil },
		TTL:       func(message.BedTag) int64 { return 1000 },
	}
	base := NewBaseQueue("bedtag", fetch, fetch, acc, messagesPerBatch, win.HasStart, win.Start, win.HasEnd, win.End, log)
	base.SetTuning(11*time.Second, 0, 34*time.Minute)
	return base
}
