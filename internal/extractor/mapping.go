package extractor

import (
	"time"

	"github.com/google/uuid"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// PatientIDResolver answers whether a mapping ID currently resolves
// to a known patient, the way the source's Database.get_patient_id
// lets a stalled queue check progress without re-running its own
// query. A concrete PGSource-backed implementation lives alongside
// the package's queue constructors.
type PatientIDResolver interface {
	PatientIDForMapping(mappingID uuid.UUID) (uuid.UUID, bool)
}

// MappingIDExtractorQueue wraps a BaseQueue[T] scoped to one mapping
// ID, adding the stalling-on-PatientMappingQueue behavior every
// mapping-keyed message kind shares: a message that nacks because its
// mapping ID can't yet be resolved to a patient is remembered, and
// StallingQueue reports the PatientMappingQueue as a dependency until
// the resolver confirms the mapping (or the nack is old enough that
// waiting longer isn't worth it).
type MappingIDExtractorQueue[T any] struct {
	*BaseQueue[T]

	mappingID           uuid.UUID
	patientMappingQueue Queue
	resolver            PatientIDResolver
	patientMappingDelay time.Duration
	mappingOf           func(T) uuid.UUID

	stalledAt map[uuid.UUID]tstamp.Timestamp
	unstalled map[uuid.UUID]struct{}
}

// NewMappingIDExtractorQueue constructs the wrapper. patientMappingQueue
// and resolver may both be nil (as for PatientMappingQueue itself,
// which cannot stall on another instance of itself).
func NewMappingIDExtractorQueue[T any](base *BaseQueue[T], mappingID uuid.UUID, mappingOf func(T) uuid.UUID, patientMappingQueue Queue, resolver PatientIDResolver, patientMappingDelay time.Duration) *MappingIDExtractorQueue[T] {
	q := &MappingIDExtractorQueue[T]{
		BaseQueue:           base,
		mappingID:           mappingID,
		patientMappingQueue: patientMappingQueue,
		resolver:            resolver,
		patientMappingDelay: patientMappingDelay,
		mappingOf:           mappingOf,
		stalledAt:           make(map[uuid.UUID]tstamp.Timestamp),
		unstalled:           make(map[uuid.UUID]struct{}),
	}
	base.SetSource(q)
	return q
}

// NackMessage overrides BaseQueue's no-op: it recovers the message the
// key was minted for and records its mapping ID as stalled, mirroring
// MappingIDExtractorQueue.nack_message.
func (q *MappingIDExtractorQueue[T]) NackMessage(channel, key any, d *dispatch.Dispatcher) error {
	if err := q.BaseQueue.NackMessage(channel, key, d); err != nil {
		return err
	}
	if q.patientMappingQueue == nil {
		return nil
	}
	msg, ok := q.MessageForKey(key)
	if !ok {
		return nil
	}
	mid := q.mappingOf(msg)
	if _, stalled := q.unstalled[mid]; stalled {
		return nil
	}
	ts := q.acc.Timestamp(msg)
	if existing, ok := q.stalledAt[mid]; !ok || existing.After(ts) {
		q.stalledAt[mid] = ts
	}
	return nil
}

// StallingQueue implements MappingIDExtractorQueue.stalling_queue:
// reconcile stalled mapping IDs against the resolver, and report the
// patient-mapping queue as a dependency as long as any remain
// unresolved and still within the patience window.
func (q *MappingIDExtractorQueue[T]) StallingQueue() Queue {
	if q.patientMappingQueue == nil || q.resolver == nil {
		return nil
	}
	limit := q.patientMappingQueue.QueryTime().Add(-q.patientMappingDelay)

	for mid, ts := range q.stalledAt {
		if _, found := q.resolver.PatientIDForMapping(mid); found || ts.Before(limit) {
			delete(q.stalledAt, mid)
			q.unstalled[mid] = struct{}{}
		}
	}
	if len(q.stalledAt) > 0 {
		return q.patientMappingQueue
	}
	return nil
}

// PatientIDExtractorQueue wraps a BaseQueue[T] scoped to one patient
// ID. Unlike MappingIDExtractorQueue it never stalls: a patient ID is
// always already known when one of these queues is constructed.
type PatientIDExtractorQueue[T any] struct {
	*BaseQueue[T]
	patientID uuid.UUID
}

func NewPatientIDExtractorQueue[T any](base *BaseQueue[T], patientID uuid.UUID) *PatientIDExtractorQueue[T] {
	return &PatientIDExtractorQueue[T]{BaseQueue: base, patientID: patientID}
}
