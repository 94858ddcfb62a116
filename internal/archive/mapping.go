package archive

import (
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
)

// PatientMappingHandler is the dispatch.Handler that learns the
// bed-mapping-to-patient correspondence every other output handler
// depends on. It never acks a mapping message until the correspondence
// has been recorded, and never writes anything to disk itself —
// grounded on output/mapping.py's PatientMappingHandler, which is
// likewise pure bookkeeping.
type PatientMappingHandler struct {
	log      zerolog.Logger
	registry *OriginRegistry
}

// NewPatientMappingHandler constructs a handler that records resolved
// mappings into registry.
func NewPatientMappingHandler(registry *OriginRegistry, log zerolog.Logger) *PatientMappingHandler {
	return &PatientMappingHandler{
		log:      log.With().Str("component", "archive.mapping").Logger(),
		registry: registry,
	}
}

// SendMessage grounds PatientMappingHandler.send_message: nack first
// (claiming interest so the dispatcher doesn't dead-letter it), record
// the mapping, then ack.
func (h *PatientMappingHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	pm, ok := msg.(message.PatientMapping)
	if !ok {
		return nil
	}
	if err := d.NackMessage(channel, key, h, false); err != nil {
		return err
	}
	h.registry.SetPatientID(pm.MappingID, pm.PatientID)
	return d.AckMessage(channel, key, h)
}

// Flush is a no-op: PatientMappingHandler has no state of its own to
// persist, only what it has written into the shared registry.
func (h *PatientMappingHandler) Flush() error { return nil }
