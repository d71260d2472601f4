package metrics

import "time"

// Recorder receives protocol engine measurements.
type Recorder interface {
	ObserveProtocol(protocol, role, outcome string, d time.Duration)
	ObserveLeaseWait(d time.Duration)
	IncSync(outcome string)
	IncEvent(eventType string)
	IncEventDropped(eventType string)
	IncMessageDropped(reason string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveProtocol(string, string, string, time.Duration) {}
func (NoopRecorder) ObserveLeaseWait(time.Duration)                        {}
func (NoopRecorder) IncSync(string)                                        {}
func (NoopRecorder) IncEvent(string)                                       {}
func (NoopRecorder) IncEventDropped(string)                                {}
func (NoopRecorder) IncMessageDropped(string)                              {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
