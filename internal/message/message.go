// Package message defines the record variants that flow out of the
// source database and into the dispatcher, plus the attribute-cache
// side-tables and the BCP wire codec used to serialize both.
package message

import (
	"github.com/google/uuid"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// Origin identifies the data source a message was read from, used by
// the extractor and dispatcher to disambiguate attribute lookups; it
// is never serialized onto the wire.
type Origin string

// WaveSample corresponds to a row of _Export.WaveSample_: a packed
// block of waveform samples tagged with a wave attribute ID.
type WaveSample struct {
	Origin             Origin
	WaveID             int64                 `bcp:"waveid"`
	Timestamp          tstamp.Timestamp      `bcp:"timestamp"`
	SequenceNumber     tstamp.SequenceNumber `bcp:"sequencenumber"`
	WaveSamples        []byte                `bcp:"wavesamples"`
	UnavailableSamples string                `bcp:"unavailablesamples"`
	InvalidSamples     string                `bcp:"invalidsamples"`
	PacedPulses        string                `bcp:"pacedpulses"`
	MappingID          uuid.UUID             `bcp:"mappingid"`
}

// Alert corresponds to a row of _Export.Alert_.
type Alert struct {
	Origin         Origin
	Timestamp      tstamp.Timestamp      `bcp:"timestamp"`
	SequenceNumber tstamp.SequenceNumber `bcp:"sequencenumber"`
	AlertID        uuid.UUID             `bcp:"alertid"`
	Source         int64                 `bcp:"source"`
	Code           int32                 `bcp:"code"`
	Label          string                `bcp:"label"`
	Severity       int32                 `bcp:"severity"`
	Kind           int32                 `bcp:"kind"`
	IsSilenced     bool                  `bcp:"issilenced"`
	SubtypeID      int64                 `bcp:"subtypeid"`
	AnnounceTime   tstamp.Timestamp      `bcp:"announcetime"`
	OnsetTime      tstamp.Timestamp      `bcp:"onsettime"`
	EndTime        tstamp.Timestamp      `bcp:"endtime"`
	MappingID      uuid.UUID             `bcp:"mappingid"`
}

// EnumerationValue corresponds to a row of _Export.EnumerationValue_.
type EnumerationValue struct {
	Origin          Origin
	EnumerationID   int64                 `bcp:"enumerationid"`
	Timestamp       tstamp.Timestamp      `bcp:"timestamp"`
	SequenceNumber  tstamp.SequenceNumber `bcp:"sequencenumber"`
	CompoundValueID uuid.UUID             `bcp:"compoundvalueid"`
	Value           string                `bcp:"value"`
	MappingID       uuid.UUID             `bcp:"mappingid"`
}

// NumericValue corresponds to a row of _Export.NumericValue_.
type NumericValue struct {
	Origin          Origin
	NumericID       int64                 `bcp:"numericid"`
	Timestamp       tstamp.Timestamp      `bcp:"timestamp"`
	SequenceNumber  tstamp.SequenceNumber `bcp:"sequencenumber"`
	IsTrendUploaded bool                  `bcp:"istrenduploaded"`
	CompoundValueID uuid.UUID             `bcp:"compoundvalueid"`
	Value           string                `bcp:"value"`
	MappingID       uuid.UUID             `bcp:"mappingid"`
}

// PatientMapping corresponds to a row of _Export.PatientMapping_.
//
// Rendered as column "id" rather than "mappingid": the one exception
// to the strip-underscores column naming rule, matching the source's
// XXX comment on this field.
type PatientMapping struct {
	Origin    Origin
	MappingID uuid.UUID        `bcp:"id"`
	PatientID uuid.UUID        `bcp:"patientid"`
	Timestamp tstamp.Timestamp `bcp:"timestamp"`
	IsMapped  bool             `bcp:"ismapped"`
	Hostname  string           `bcp:"hostname"`
}

// PatientBasicInfo corresponds to a row of _Export.Patient_.
type PatientBasicInfo struct {
	Origin              Origin
	PatientID           uuid.UUID        `bcp:"patientid"`
	Timestamp           tstamp.Timestamp `bcp:"timestamp"`
	BedLabel            string           `bcp:"bedlabel"`
	Alias               string           `bcp:"alias"`
	Category            int32            `bcp:"category"`
	Height              string           `bcp:"height"`
	HeightUnit          int32            `bcp:"heightunit"`
	Weight              string           `bcp:"weight"`
	WeightUnit          int32            `bcp:"weightunit"`
	PressureUnit        int32            `bcp:"pressureunit"`
	PacedMode           int32            `bcp:"pacedmode"`
	ResuscitationStatus int32            `bcp:"resuscitationstatus"`
	AdmitState          int32            `bcp:"admitstate"`
	ClinicalUnit        string           `bcp:"clinicalunit"`
	Gender              int32            `bcp:"gender"`
}

// BedTag corresponds to a row of _Export.BedTag_.
type BedTag struct {
	Origin    Origin
	BedLabel  string           `bcp:"bedlabel"`
	Timestamp tstamp.Timestamp `bcp:"timestamp"`
	Tag       string           `bcp:"tag"`
}

// PatientDateAttribute corresponds to a row of _Export.PatientDateAttribute_.
type PatientDateAttribute struct {
	Origin    Origin
	PatientID uuid.UUID        `bcp:"patientid"`
	Timestamp tstamp.Timestamp `bcp:"timestamp"`
	Name      string           `bcp:"name"`
	Value     string           `bcp:"value"`
}

// PatientStringAttribute corresponds to a row of _Export.PatientStringAttribute_.
type PatientStringAttribute struct {
	Origin    Origin
	PatientID uuid.UUID        `bcp:"patientid"`
	Timestamp tstamp.Timestamp `bcp:"timestamp"`
	Name      string           `bcp:"name"`
	Value     string           `bcp:"value"`
}

// EnumerationAttr is the attribute-cache row for an enumeration_id,
// read from the _Export.Enumeration_ table. Unlike the message types
// above it carries no origin or ID field of its own: the cache key
// lives alongside it in the extractor.
type EnumerationAttr struct {
	BasePhysioID  int64
	PhysioID      int64
	Label         string
	ValuePhysioID int64
	IsAperiodic   bool
	IsManual      bool
	Validity      int32
	UnitCode      int64
	UnitLabel     string
	Color         int32
}

// NumericAttr is the attribute-cache row for a numeric_id, read from
// the _Export.Numeric_ table.
type NumericAttr struct {
	BasePhysioID   int64
	PhysioID       int64
	Label          string
	IsAperiodic    bool
	UnitLabel      string
	Validity       int32
	LowerLimit     string
	UpperLimit     string
	IsAlarmingOff  bool
	SubPhysioID    int64
	SubLabel       string
	Color          int32
	IsManual       bool
	MaxValues      int32
	Scale          int32
}

// WaveAttr is the attribute-cache row for a wave_id, read from the
// _Export.Wave_ table.
type WaveAttr struct {
	BasePhysioID           int64
	PhysioID               int64
	Label                  string
	Channel                int32
	SamplePeriod           int64
	IsSlowWave             bool
	IsDerived              bool
	Color                  int32
	LowEdgeFrequency       float64
	HighEdgeFrequency      float64
	ScaleLower             int64
	ScaleUpper             int64
	CalibrationScaledLower int64
	CalibrationScaledUpper int64
	CalibrationAbsLower    float64
	CalibrationAbsUpper    float64
	CalibrationType        int32
	UnitLabel              string
	UnitCode               int64
	ECGLeadPlacement       int32
}
