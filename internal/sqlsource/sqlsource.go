// Package sqlsource defines the RowSource contract the extractor
// pulls rows through, and a reference implementation backed by
// Postgres (via pgx) that maps rows from the `_Export.*` relational
// tables onto the message types in internal/message.
//
// The source schema and query shape (parameterized range queries over
// a TimeStamp or SequenceNumber column, TOP/LIMIT-bounded, ordered for
// a stable cursor) are ported from the reference implementation's
// query parser; the wire protocol itself (SQL Server / pymssql) is out
// of scope here, so this package targets Postgres as a concrete stand-in
// RowSource, the way an operator would point the engine at any
// SQL-speaking export of the same tables.
package sqlsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// RangeQuery bounds a pull from one table: an optional equality filter
// on MappingID, a half-open range on SequenceNumber ([SeqGE, SeqLT)),
// an inclusive-or-half-open range on the row's own Timestamp column
// (the extractor's queues page through a table by time, not sequence
// number, the way the reference implementation's TimestampMessageParser
// does), and a row cap. A zero Limit means unbounded. Reverse orders by
// the range column descending instead of ascending, for the single-row
// "find the most recent message at or after a point in time" query the
// extractor issues when reconciling a stalled queue's clock.
type RangeQuery struct {
	MappingID uuid.UUID
	// PatientID scopes a patient-keyed table (patient basic info and
	// date/string attributes) the way MappingID scopes a mapping-keyed
	// one; the two never apply to the same table.
	PatientID uuid.UUID
	HasSeqGE  bool
	SeqGE     tstamp.SequenceNumber
	HasSeqLT  bool
	SeqLT     tstamp.SequenceNumber

	HasTimeGE bool
	TimeGE    tstamp.Timestamp
	HasTimeLE bool
	TimeLE    tstamp.Timestamp
	HasTimeLT bool
	TimeLT    tstamp.Timestamp

	Reverse bool
	Limit   int
}

// RowSource is the interface the extractor pulls rows through. Each
// Fetch method corresponds to one of the `_Export.*` tables and
// returns rows ordered by the table's own ordering column
// (SequenceNumber, or Timestamp for tables such as the patient and
// bed-tag tables), ascending, or descending when the query's Reverse
// is set (the extractor relies on this order to detect gaps and
// advance its cursor).
type RowSource interface {
	FetchWaveSamples(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.WaveSample, error)
	FetchAlerts(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.Alert, error)
	FetchNumericValues(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.NumericValue, error)
	FetchEnumerationValues(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.EnumerationValue, error)

	FetchPatientMappings(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.PatientMapping, error)
	FetchPatientBasicInfo(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.PatientBasicInfo, error)
	FetchBedTags(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.BedTag, error)
	FetchPatientDateAttributes(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.PatientDateAttribute, error)
	FetchPatientStringAttributes(ctx context.Context, origin message.Origin, q RangeQuery) ([]message.PatientStringAttribute, error)

	FetchWaveAttr(ctx context.Context, waveID int64) (message.WaveAttr, error)
	FetchNumericAttr(ctx context.Context, numericID int64) (message.NumericAttr, error)
	FetchEnumerationAttr(ctx context.Context, enumerationID int64) (message.EnumerationAttr, error)
}

// queryBuilder accumulates WHERE constraints and renders the
// SELECT ... FROM ... WHERE ... ORDER BY ... LIMIT ... statement the
// Fetch implementations issue, playing the role the reference
// implementation's `_gen_query`/`add_constraint` pair plays: a
// minimal, composable range-query shape reused by every table.
type queryBuilder struct {
	table   string
	columns []string
	order   string
	desc    bool
	limit   int

	where []string
	args  []any
}

func newQuery(table string, columns []string, order string, limit int) *queryBuilder {
	return &queryBuilder{table: table, columns: columns, order: order, limit: limit}
}

func (q *queryBuilder) eq(column string, arg any) *queryBuilder {
	q.args = append(q.args, arg)
	q.where = append(q.where, fmt.Sprintf("%s = $%d", column, len(q.args)))
	return q
}

func (q *queryBuilder) ge(column string, arg any) *queryBuilder {
	q.args = append(q.args, arg)
	q.where = append(q.where, fmt.Sprintf("%s >= $%d", column, len(q.args)))
	return q
}

func (q *queryBuilder) le(column string, arg any) *queryBuilder {
	q.args = append(q.args, arg)
	q.where = append(q.where, fmt.Sprintf("%s <= $%d", column, len(q.args)))
	return q
}

func (q *queryBuilder) lt(column string, arg any) *queryBuilder {
	q.args = append(q.args, arg)
	q.where = append(q.where, fmt.Sprintf("%s < $%d", column, len(q.args)))
	return q
}

// orderDesc reverses the ORDER BY direction, for the extractor's
// "most recent row at or after a point in time" query.
func (q *queryBuilder) orderDesc() *queryBuilder {
	q.desc = true
	return q
}

func (q *queryBuilder) build() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	if q.order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.order)
		if q.desc {
			b.WriteString(" DESC")
		}
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	return b.String(), q.args
}

func applyRange(q *queryBuilder, mapping bool, mappingID uuid.UUID, rq RangeQuery) {
	if mapping && mappingID != uuid.Nil {
		q.eq("mappingid", mappingID.String())
	}
	applyTimeAndSeqRange(q, rq)
}

// applyPatientRange scopes a patient-keyed table's query to one
// patient (if patientID is non-nil) plus the same time/sequence range
// and ordering every Fetch method applies.
func applyPatientRange(q *queryBuilder, patientColumn string, patientID uuid.UUID, rq RangeQuery) {
	if patientID != uuid.Nil {
		q.eq(patientColumn, patientID.String())
	}
	applyTimeAndSeqRange(q, rq)
}

func applyTimeAndSeqRange(q *queryBuilder, rq RangeQuery) {
	if rq.HasSeqGE {
		q.ge("sequencenumber", int64(rq.SeqGE))
	}
	if rq.HasSeqLT {
		q.lt("sequencenumber", int64(rq.SeqLT))
	}
	if rq.HasTimeGE {
		q.ge("timestamp", rq.TimeGE.Time())
	}
	if rq.HasTimeLE {
		q.le("timestamp", rq.TimeLE.Time())
	}
	if rq.HasTimeLT {
		q.lt("timestamp", rq.TimeLT.Time())
	}
	if rq.Reverse {
		q.orderDesc()
	}
}
