// Package camera owns the hardware camera session. Exactly one track is live at
// a time; switching facing tears down the current track before acquiring the next.
package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/checkpoint/internal/capture"
)

var (
	// ErrDevice matches every *DeviceError.
	ErrDevice = errors.New("camera device error")
	// ErrTorchUnsupported is returned by SetTorch when the live track has no torch.
	ErrTorchUnsupported = errors.New("torch not supported by camera")
	// ErrNoSession is returned by operations that need a live track.
	ErrNoSession = errors.New("no live camera session")
)

// Device error names, modelled after the media-device errors browsers report.
const (
	NotFoundError      = "NotFoundError"
	NotAllowedError    = "NotAllowedError"
	NotReadableError   = "NotReadableError"
	OverconstrainedErr = "OverconstrainedError"
	ReadyTimeoutError  = "ReadyTimeoutError"
	TrackEndedError    = "TrackEndedError"
)

// DeviceError reports a failure to acquire or start a camera track.
type DeviceError struct {
	Facing capture.Facing
	Name   string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %s: %v", e.Facing, e.Name, e.Err)
	}
	return fmt.Sprintf("camera %s: %s", e.Facing, e.Name)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDevice) true for any DeviceError.
func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// Constraints describe the track requested from a MediaSource.
type Constraints struct {
	Facing capture.Facing
	Torch  bool
}

// Capabilities reported by a track once it is running.
type Capabilities struct {
	Torch bool
}

// Track is a running video track.
type Track interface {
	ID() string
	Facing() capture.Facing
	// Latest returns the most recent frame, false before the first one.
	Latest() (capture.Frame, bool)
	// Ready is closed when the first frame has been decoded.
	Ready() <-chan struct{}
	// Done is closed when the track ends; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Capabilities() Capabilities
	SetTorch(enabled bool) error
	// Stop releases the device. It is safe to call more than once.
	Stop() error
}

// MediaSource acquires hardware tracks.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (Track, error)
}
