package sqlsource

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// PGSource is the reference RowSource, reading the `_Export.*` tables
// from a Postgres database via pgx. A row whose mandatory column is
// NULL or of the wrong type is a DataSyntax-class error and aborts the
// fetch; a row whose optional column is NULL or malformed is logged
// and the field left at its zero value, mirroring the reference
// parser's DBSyntaxWarning behavior for optional columns.
type PGSource struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPGSource wraps an already-connected pool.
func NewPGSource(pool *pgxpool.Pool, log zerolog.Logger) *PGSource {
	return &PGSource{pool: pool, log: log.With().Str("component", "sqlsource").Logger()}
}

func parseUUID(s string, mandatory bool, log zerolog.Logger, field string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		if mandatory {
			return uuid.Nil
		}
		log.Warn().Err(err).Str("field", field).Msg("malformed uuid column")
		return uuid.Nil
	}
	return id
}

func (s *PGSource) FetchWaveSamples(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.WaveSample, error) {
	q := newQuery("_export.wavesample_",
		[]string{"waveid", "timestamp", "sequencenumber", "wavesamples",
			"unavailablesamples", "invalidsamples", "pacedpulses", "mappingid"},
		"sequencenumber", rq.Limit)
	applyRange(q, true, rq.MappingID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch wave samples: %w", err)
	}
	defer rows.Close()

	var out []message.WaveSample
	for rows.Next() {
		var (
			waveID                                    int64
			ts                                         time.Time
			seq                                        int64
			samples                                    []byte
			unavail, invalid, paced, mappingIDStr      string
		)
		if err := rows.Scan(&waveID, &ts, &seq, &samples, &unavail, &invalid, &paced, &mappingIDStr); err != nil {
			return nil, fmt.Errorf("sqlsource: scan wave sample: %w", err)
		}
		out = append(out, message.WaveSample{
			Origin:             origin,
			WaveID:             waveID,
			Timestamp:          tstamp.FromTime(ts),
			SequenceNumber:     tstamp.SequenceNumber(seq),
			WaveSamples:        samples,
			UnavailableSamples: unavail,
			InvalidSamples:     invalid,
			PacedPulses:        paced,
			MappingID:          parseUUID(mappingIDStr, true, s.log, "mappingid"),
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchAlerts(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.Alert, error) {
	q := newQuery("_export.alert_",
		[]string{"timestamp", "sequencenumber", "alertid", "source", "code", "label",
			"severity", "kind", "issilenced", "subtypeid", "announcetime",
			"onsettime", "endtime", "mappingid"},
		"sequencenumber", rq.Limit)
	applyRange(q, true, rq.MappingID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch alerts: %w", err)
	}
	defer rows.Close()

	var out []message.Alert
	for rows.Next() {
		var (
			ts, announce, onset, end     time.Time
			seq, source, subtype         int64
			code, severity, kind         int32
			label, alertID, mappingIDStr string
			silenced                     bool
		)
		if err := rows.Scan(&ts, &seq, &alertID, &source, &code, &label, &severity,
			&kind, &silenced, &subtype, &announce, &onset, &end, &mappingIDStr); err != nil {
			return nil, fmt.Errorf("sqlsource: scan alert: %w", err)
		}
		out = append(out, message.Alert{
			Origin:         origin,
			Timestamp:      tstamp.FromTime(ts),
			SequenceNumber: tstamp.SequenceNumber(seq),
			AlertID:        parseUUID(alertID, false, s.log, "alertid"),
			Source:         source,
			Code:           code,
			Label:          label,
			Severity:       severity,
			Kind:           kind,
			IsSilenced:     silenced,
			SubtypeID:      subtype,
			AnnounceTime:   tstamp.FromTime(announce),
			OnsetTime:      tstamp.FromTime(onset),
			EndTime:        tstamp.FromTime(end),
			MappingID:      parseUUID(mappingIDStr, true, s.log, "mappingid"),
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchNumericValues(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.NumericValue, error) {
	q := newQuery("_export.numericvalue_",
		[]string{"numericid", "timestamp", "sequencenumber", "istrenduploaded",
			"compoundvalueid", "value", "mappingid"},
		"sequencenumber", rq.Limit)
	applyRange(q, true, rq.MappingID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch numeric values: %w", err)
	}
	defer rows.Close()

	var out []message.NumericValue
	for rows.Next() {
		var (
			numericID, seq                    int64
			ts                                 time.Time
			trend                              bool
			compoundID, value, mappingIDStr    string
		)
		if err := rows.Scan(&numericID, &ts, &seq, &trend, &compoundID, &value, &mappingIDStr); err != nil {
			return nil, fmt.Errorf("sqlsource: scan numeric value: %w", err)
		}
		out = append(out, message.NumericValue{
			Origin:          origin,
			NumericID:       numericID,
			Timestamp:       tstamp.FromTime(ts),
			SequenceNumber:  tstamp.SequenceNumber(seq),
			IsTrendUploaded: trend,
			CompoundValueID: parseUUID(compoundID, false, s.log, "compoundvalueid"),
			Value:           value,
			MappingID:       parseUUID(mappingIDStr, true, s.log, "mappingid"),
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchEnumerationValues(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.EnumerationValue, error) {
	q := newQuery("_export.enumerationvalue_",
		[]string{"enumerationid", "timestamp", "sequencenumber", "compoundvalueid",
			"value", "mappingid"},
		"sequencenumber", rq.Limit)
	applyRange(q, true, rq.MappingID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch enumeration values: %w", err)
	}
	defer rows.Close()

	var out []message.EnumerationValue
	for rows.Next() {
		var (
			enumID, seq                     int64
			ts                               time.Time
			compoundID, value, mappingIDStr string
		)
		if err := rows.Scan(&enumID, &ts, &seq, &compoundID, &value, &mappingIDStr); err != nil {
			return nil, fmt.Errorf("sqlsource: scan enumeration value: %w", err)
		}
		out = append(out, message.EnumerationValue{
			Origin:          origin,
			EnumerationID:   enumID,
			Timestamp:       tstamp.FromTime(ts),
			SequenceNumber:  tstamp.SequenceNumber(seq),
			CompoundValueID: parseUUID(compoundID, false, s.log, "compoundvalueid"),
			Value:           value,
			MappingID:       parseUUID(mappingIDStr, true, s.log, "mappingid"),
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchPatientMappings(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.PatientMapping, error) {
	q := newQuery("_export.patientmapping_",
		[]string{"id", "patientid", "timestamp", "ismapped", "hostname"}, "timestamp", rq.Limit)
	applyRange(q, true, rq.MappingID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch patient mappings: %w", err)
	}
	defer rows.Close()

	var out []message.PatientMapping
	for rows.Next() {
		var (
			mappingID, patientID string
			ts                   time.Time
			mapped               bool
			hostname             string
		)
		if err := rows.Scan(&mappingID, &patientID, &ts, &mapped, &hostname); err != nil {
			return nil, fmt.Errorf("sqlsource: scan patient mapping: %w", err)
		}
		out = append(out, message.PatientMapping{
			Origin:    origin,
			MappingID: parseUUID(mappingID, true, s.log, "id"),
			PatientID: parseUUID(patientID, true, s.log, "patientid"),
			Timestamp: tstamp.FromTime(ts),
			IsMapped:  mapped,
			Hostname:  hostname,
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchPatientBasicInfo(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.PatientBasicInfo, error) {
	q := newQuery("_export.patient_",
		[]string{"id", "timestamp", "bedlabel", "alias", "category", "height",
			"heightunit", "weight", "weightunit", "pressureunit", "pacedmode",
			"resuscitationstatus", "admitstate", "clinicalunit", "gender"},
		"timestamp", rq.Limit)
	applyPatientRange(q, "id", rq.PatientID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch patient basic info: %w", err)
	}
	defer rows.Close()

	var out []message.PatientBasicInfo
	for rows.Next() {
		var (
			patientID                                     string
			ts                                             time.Time
			bedLabel, alias, height, weight, clinicalUnit string
			category, heightUnit, weightUnit, pressureUnit int32
			pacedMode, resuscitation, admitState, gender   int32
		)
		if err := rows.Scan(&patientID, &ts, &bedLabel, &alias, &category, &height,
			&heightUnit, &weight, &weightUnit, &pressureUnit, &pacedMode,
			&resuscitation, &admitState, &clinicalUnit, &gender); err != nil {
			return nil, fmt.Errorf("sqlsource: scan patient basic info: %w", err)
		}
		out = append(out, message.PatientBasicInfo{
			Origin:              origin,
			PatientID:           parseUUID(patientID, true, s.log, "id"),
			Timestamp:           tstamp.FromTime(ts),
			BedLabel:            bedLabel,
			Alias:               alias,
			Category:            category,
			Height:              height,
			HeightUnit:          heightUnit,
			Weight:              weight,
			WeightUnit:          weightUnit,
			PressureUnit:        pressureUnit,
			PacedMode:           pacedMode,
			ResuscitationStatus: resuscitation,
			AdmitState:          admitState,
			ClinicalUnit:        clinicalUnit,
			Gender:              gender,
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchBedTags(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.BedTag, error) {
	q := newQuery("_export.bedtag_", []string{"bedlabel", "timestamp", "tag"}, "timestamp", rq.Limit)
	applyTimeAndSeqRange(q, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch bed tags: %w", err)
	}
	defer rows.Close()

	var out []message.BedTag
	for rows.Next() {
		var bedLabel, tag string
		var ts time.Time
		if err := rows.Scan(&bedLabel, &ts, &tag); err != nil {
			return nil, fmt.Errorf("sqlsource: scan bed tag: %w", err)
		}
		out = append(out, message.BedTag{Origin: origin, BedLabel: bedLabel, Timestamp: tstamp.FromTime(ts), Tag: tag})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchPatientDateAttributes(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.PatientDateAttribute, error) {
	q := newQuery("_export.patientdateattribute_",
		[]string{"patientid", "timestamp", "name", "value"}, "timestamp", rq.Limit)
	applyPatientRange(q, "patientid", rq.PatientID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch patient date attributes: %w", err)
	}
	defer rows.Close()

	var out []message.PatientDateAttribute
	for rows.Next() {
		var patientID, name, value string
		var ts time.Time
		if err := rows.Scan(&patientID, &ts, &name, &value); err != nil {
			return nil, fmt.Errorf("sqlsource: scan patient date attribute: %w", err)
		}
		out = append(out, message.PatientDateAttribute{
			Origin: origin, PatientID: parseUUID(patientID, true, s.log, "patientid"),
			Timestamp: tstamp.FromTime(ts), Name: name, Value: value,
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchPatientStringAttributes(ctx context.Context, origin message.Origin, rq RangeQuery) ([]message.PatientStringAttribute, error) {
	q := newQuery("_export.patientstringattribute_",
		[]string{"patientid", "timestamp", "name", "value"}, "timestamp", rq.Limit)
	applyPatientRange(q, "patientid", rq.PatientID, rq)
	sql, args := q.build()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch patient string attributes: %w", err)
	}
	defer rows.Close()

	var out []message.PatientStringAttribute
	for rows.Next() {
		var patientID, name, value string
		var ts time.Time
		if err := rows.Scan(&patientID, &ts, &name, &value); err != nil {
			return nil, fmt.Errorf("sqlsource: scan patient string attribute: %w", err)
		}
		out = append(out, message.PatientStringAttribute{
			Origin: origin, PatientID: parseUUID(patientID, true, s.log, "patientid"),
			Timestamp: tstamp.FromTime(ts), Name: name, Value: value,
		})
	}
	return out, rows.Err()
}

func (s *PGSource) FetchWaveAttr(ctx context.Context, waveID int64) (message.WaveAttr, error) {
	q := newQuery("_export.wave_",
		[]string{"basephysioid", "physioid", "label", "channel", "sampleperiod",
			"isslowwave", "isderived", "color", "lowedgefrequency", "highedgefrequency",
			"scalelower", "scaleupper", "calibrationscaledlower", "calibrationscaledupper",
			"calibrationabslower", "calibrationabsupper", "calibrationtype", "unitlabel",
			"unitcode", "ecgleadplacement"},
		"", 1)
	q.eq("id", waveID)
	sql, args := q.build()

	var a message.WaveAttr
	row := s.pool.QueryRow(ctx, sql, args...)
	err := row.Scan(&a.BasePhysioID, &a.PhysioID, &a.Label, &a.Channel, &a.SamplePeriod,
		&a.IsSlowWave, &a.IsDerived, &a.Color, &a.LowEdgeFrequency, &a.HighEdgeFrequency,
		&a.ScaleLower, &a.ScaleUpper, &a.CalibrationScaledLower, &a.CalibrationScaledUpper,
		&a.CalibrationAbsLower, &a.CalibrationAbsUpper, &a.CalibrationType, &a.UnitLabel,
		&a.UnitCode, &a.ECGLeadPlacement)
	if err != nil {
		return message.WaveAttr{}, fmt.Errorf("sqlsource: fetch wave attr %d: %w", waveID, err)
	}
	return a, nil
}

func (s *PGSource) FetchNumericAttr(ctx context.Context, numericID int64) (message.NumericAttr, error) {
	q := newQuery("_export.numeric_",
		[]string{"basephysioid", "physioid", "label", "isaperiodic", "unitlabel",
			"validity", "lowerlimit", "upperlimit", "isalarmingoff", "subphysioid",
			"sublabel", "color", "ismanual", "maxvalues", "scale"},
		"", 1)
	q.eq("id", numericID)
	sql, args := q.build()

	var a message.NumericAttr
	row := s.pool.QueryRow(ctx, sql, args...)
	err := row.Scan(&a.BasePhysioID, &a.PhysioID, &a.Label, &a.IsAperiodic, &a.UnitLabel,
		&a.Validity, &a.LowerLimit, &a.UpperLimit, &a.IsAlarmingOff, &a.SubPhysioID,
		&a.SubLabel, &a.Color, &a.IsManual, &a.MaxValues, &a.Scale)
	if err != nil {
		return message.NumericAttr{}, fmt.Errorf("sqlsource: fetch numeric attr %d: %w", numericID, err)
	}
	return a, nil
}

func (s *PGSource) FetchEnumerationAttr(ctx context.Context, enumerationID int64) (message.EnumerationAttr, error) {
	q := newQuery("_export.enumeration_",
		[]string{"basephysioid", "physioid", "label", "valuephysioid", "isaperiodic",
			"ismanual", "validity", "unitcode", "unitlabel", "color"},
		"", 1)
	q.eq("id", enumerationID)
	sql, args := q.build()

	var a message.EnumerationAttr
	row := s.pool.QueryRow(ctx, sql, args...)
	err := row.Scan(&a.BasePhysioID, &a.PhysioID, &a.Label, &a.ValuePhysioID, &a.IsAperiodic,
		&a.IsManual, &a.Validity, &a.UnitCode, &a.UnitLabel, &a.Color)
	if err != nil {
		return message.EnumerationAttr{}, fmt.Errorf("sqlsource: fetch enumeration attr %d: %w", enumerationID, err)
	}
	return a, nil
}
