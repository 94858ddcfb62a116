package archive

import "github.com/google/uuid"

// OriginRegistry tracks the mapping-ID-to-patient-ID correspondence
// for one data origin, as learned from PatientMapping messages. It
// stands in for the reference implementation's per-origin
// get_patient_id/set_patient_id pair (methods on its DWC connection
// object); here the registry is a small standalone type so it can be
// shared between the extractor (which needs it to decide whether a
// mapping-keyed queue should stall) and the archive (which needs it to
// resolve a record).
//
// Not safe for concurrent use from multiple goroutines: both call
// sites run on the single extractor/dispatcher loop for this origin.
type OriginRegistry struct {
	byMapping map[uuid.UUID]uuid.UUID
}

// NewOriginRegistry constructs an empty registry.
func NewOriginRegistry() *OriginRegistry {
	return &OriginRegistry{byMapping: make(map[uuid.UUID]uuid.UUID)}
}

// SetPatientID records that mappingID currently refers to patientID,
// overwriting any prior association (a bed can be reassigned to a new
// patient without its mapping ID changing).
func (r *OriginRegistry) SetPatientID(mappingID, patientID uuid.UUID) {
	r.byMapping[mappingID] = patientID
}

// PatientIDForMapping reports the patient ID currently associated with
// mappingID, if any mapping message for it has arrived yet.
func (r *OriginRegistry) PatientIDForMapping(mappingID uuid.UUID) (uuid.UUID, bool) {
	id, ok := r.byMapping[mappingID]
	return id, ok
}
