package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// DefaultReadyTimeout bounds the wait for the first frame of a new track.
const DefaultReadyTimeout = 4 * time.Second

// State of the director.
type State string

const (
	StateIdle      State = "idle"
	StateSwitching State = "switching"
	StateLive      State = "live"
)

// Session describes the live camera track.
type Session struct {
	ActiveFacing   capture.Facing `json:"active_facing"`
	TrackID        string         `json:"track_id"`
	TorchEnabled   bool           `json:"torch_enabled"`
	TorchSupported bool           `json:"torch_supported"`
	StartedAt      time.Time      `json:"started_at"`
}

// Status is a point-in-time copy of the director state.
type Status struct {
	State   State          `json:"state"`
	Target  capture.Facing `json:"target,omitempty"` // set while switching
	Session *Session       `json:"session,omitempty"`
}

// Director is the sole owner of the hardware camera track.
type Director struct {
	source       MediaSource
	readyTimeout time.Duration
	log          *zap.Logger

	// sem serializes SwitchTo and Stop; it is a channel so waiting respects ctx.
	sem chan struct{}

	mu      sync.RWMutex
	state   State
	target  capture.Facing
	track   Track
	session *Session
}

// NewDirector creates an idle director over source.
func NewDirector(source MediaSource, readyTimeout time.Duration, log *zap.Logger) *Director {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Director{
		source:       source,
		readyTimeout: readyTimeout,
		log:          logger.OrNop(log).Named("camera"),
		sem:          make(chan struct{}, 1),
		state:        StateIdle,
	}
}

// SwitchTo makes facing the live track. It returns once the new track has
// delivered its first frame. Switching to the already-live facing is a no-op.
func (d *Director) SwitchTo(ctx context.Context, facing capture.Facing) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	d.mu.Lock()
	if d.state == StateLive && d.session != nil && d.session.ActiveFacing == facing {
		d.mu.Unlock()
		return nil
	}
	old := d.track
	d.state = StateSwitching
	d.target = facing
	d.track = nil
	d.session = nil
	d.mu.Unlock()

	started := time.Now()
	if old != nil {
		d.stopTrack(old)
	}

	track, err := d.acquire(ctx, facing)
	if err != nil {
		d.setIdle()
		return err
	}

	caps := track.Capabilities()
	d.mu.Lock()
	d.track = track
	d.state = StateLive
	d.target = ""
	d.session = &Session{
		ActiveFacing:   facing,
		TrackID:        track.ID(),
		TorchSupported: caps.Torch,
		StartedAt:      time.Now(),
	}
	d.mu.Unlock()

	d.log.Info("camera live",
		zap.String("facing", string(facing)),
		zap.String("track_id", track.ID()),
		zap.Bool("torch_supported", caps.Torch),
		zap.Duration("switch_duration", time.Since(started)))

	go d.watch(track)
	return nil
}

// acquire opens a track and waits for its first frame.
func (d *Director) acquire(ctx context.Context, facing capture.Facing) (Track, error) {
	track, err := d.source.Acquire(ctx, Constraints{Facing: facing})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return nil, err
		}
		return nil, &DeviceError{Facing: facing, Name: NotReadableError, Err: err}
	}

	timer := time.NewTimer(d.readyTimeout)
	defer timer.Stop()

	select {
	case <-track.Ready():
		return track, nil
	case <-track.Done():
		d.stopTrack(track)
		return nil, &DeviceError{Facing: facing, Name: NotReadableError, Err: track.Err()}
	case <-timer.C:
		d.stopTrack(track)
		return nil, &DeviceError{Facing: facing, Name: ReadyTimeoutError}
	case <-ctx.Done():
		d.stopTrack(track)
		return nil, ctx.Err()
	}
}

// watch drops the session when a live track ends on its own.
func (d *Director) watch(track Track) {
	<-track.Done()

	d.mu.Lock()
	if d.track != track {
		d.mu.Unlock()
		return
	}
	d.track = nil
	d.session = nil
	d.state = StateIdle
	d.mu.Unlock()

	d.log.Warn("camera track ended", zap.String("track_id", track.ID()), zap.Error(track.Err()))
	d.stopTrack(track)
}

func (d *Director) stopTrack(t Track) {
	if err := t.Stop(); err != nil {
		d.log.Warn("failed to stop camera track", zap.String("track_id", t.ID()), zap.Error(err))
	}
}

func (d *Director) setIdle() {
	d.mu.Lock()
	d.state = StateIdle
	d.target = ""
	d.mu.Unlock()
}

// Stop releases the live track, if any.
func (d *Director) Stop(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	d.mu.Lock()
	old := d.track
	d.track = nil
	d.session = nil
	d.state = StateIdle
	d.target = ""
	d.mu.Unlock()

	if old != nil {
		d.stopTrack(old)
	}
	return nil
}

// SetTorch toggles the torch on the live track. Unsupported hardware yields
// ErrTorchUnsupported; callers treat it as advisory.
func (d *Director) SetTorch(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateLive || d.track == nil {
		return ErrNoSession
	}
	if !d.session.TorchSupported {
		return ErrTorchUnsupported
	}
	if err := d.track.SetTorch(enabled); err != nil {
		return err
	}
	d.session.TorchEnabled = enabled
	return nil
}

// CurrentFrame implements capture.Feed.
func (d *Director) CurrentFrame() (capture.Frame, error) {
	d.mu.RLock()
	track := d.track
	live := d.state == StateLive
	d.mu.RUnlock()

	if !live || track == nil {
		return capture.Frame{}, capture.ErrNoActiveFeed
	}
	frame, ok := track.Latest()
	if !ok {
		return capture.Frame{}, capture.ErrNoActiveFeed
	}
	return frame, nil
}

// Status returns a copy of the current state.
func (d *Director) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{State: d.state, Target: d.target}
	if d.session != nil {
		s := *d.session
		st.Session = &s
	}
	return st
}

// Switching reports whether a facing switch is in flight.
func (d *Director) Switching() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == StateSwitching
}
