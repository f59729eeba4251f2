package events

import "time"

// Recorder is the scheduler's single notification point: every emitted
// event goes to the bus and, when configured, the audit log. A nil
// Recorder is safe to call, so tests and one-shot commands can skip
// wiring it.
type Recorder struct {
	bus   *Bus
	audit *AuditLog

	// now is a test seam.
	now func() time.Time
}

// NewRecorder wires a bus and an optional audit log.
func NewRecorder(bus *Bus, audit *AuditLog) *Recorder {
	return &Recorder{bus: bus, audit: audit, now: time.Now}
}

// Emit publishes an event. Audit write failures are swallowed: losing a
// log line must never fail or stall request processing.
func (r *Recorder) Emit(t Type, requestID string, data map[string]any) {
	if r == nil {
		return
	}
	ev := Event{Type: t, Timestamp: r.now().UTC(), RequestID: requestID, Data: data}
	if r.bus != nil {
		r.bus.Publish(ev)
	}
	if r.audit != nil {
		_ = r.audit.Append(ev)
	}
}
