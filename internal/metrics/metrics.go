package metrics

import "time"

type Recorder interface {
	SegmentSent(streamTag string, bytes int64, took time.Duration)
	SegmentFailed(streamTag string, took time.Duration)
	SegmentSkipped(streamTag string)
	RotationFailed(streamTag string)
	SessionStarted()
	SessionStopped()
}

type Noop struct{}

func (Noop) SegmentSent(string, int64, time.Duration) {}
func (Noop) SegmentFailed(string, time.Duration)      {}
func (Noop) SegmentSkipped(string)                    {}
func (Noop) RotationFailed(string)                    {}
func (Noop) SessionStarted()                          {}
func (Noop) SessionStopped()                          {}
