package channel

import "time"

// Telemetry kinds recorded by adapters and the orchestrator.
const (
	TelemetryContactMismatch = "contact_mismatch"
	TelemetryPollError       = "poll_error"
	TelemetrySendFailed      = "send_failed"
	TelemetryListenerStopped = "listener_stopped"
)

// TelemetryEvent is one low-volume diagnostic record from the channel path.
// It never carries message bodies, only identifiers and error detail.
type TelemetryEvent struct {
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// TelemetrySink receives telemetry events. Record must not block; sinks
// that persist should buffer internally.
type TelemetrySink interface {
	Record(ev TelemetryEvent)
}

// SinkFunc adapts a function to TelemetrySink.
type SinkFunc func(ev TelemetryEvent)

func (f SinkFunc) Record(ev TelemetryEvent) { f(ev) }

// Emit records ev on sink when sink is non-nil, stamping At when unset.
func Emit(sink TelemetrySink, kind string, detail map[string]any) {
	if sink == nil {
		return
	}
	sink.Record(TelemetryEvent{Kind: kind, Detail: detail, At: time.Now()})
}
