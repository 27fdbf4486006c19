package device

import (
	"context"
	"errors"
)

var ErrSessionBusy = errors.New("audio session is already claimed by another capture")

type SegmentConfig struct {
	// Name is unique per segment and becomes the backing file name.
	Name       string
	SampleRate int
	Channels   int
}

type Handle interface {
	Path() string
	Recording() bool
}

// Device is the platform recording capability. A new segment may begin
// immediately after StopSegment returns, without waiting for the previous
// handle to be released.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	EnableSession(ctx context.Context) error
	RestoreSession(ctx context.Context) error
	BeginSegment(ctx context.Context, cfg SegmentConfig) (Handle, error)
	StopSegment(ctx context.Context, h Handle) (string, error)
}
