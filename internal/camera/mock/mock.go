// Package mock provides a mock camera.MediaSource for testing.
package mock

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/capture"
)

// MockSource is a mock implementation of camera.MediaSource. It records every
// acquisition and the highest number of tracks that were live at once.
type MockSource struct {
	mu       sync.Mutex
	images   map[capture.Facing]image.Image
	live     int
	maxLive  int
	acquired []capture.Facing
	tracks   []*MockTrack

	// Error injection
	AcquireError map[capture.Facing]error
	// NoFrame makes tracks for the facing never deliver a frame.
	NoFrame map[capture.Facing]bool
	// Torch is reported as the track capability.
	Torch bool
	// Gate, when set, blocks Acquire until it is closed or ctx ends.
	Gate chan struct{}
}

// NewMockSource creates a source that serves a solid gray image per facing.
func NewMockSource() *MockSource {
	return &MockSource{
		images: map[capture.Facing]image.Image{
			capture.FacingUser:        Solid(32, 24, color.Gray{Y: 100}),
			capture.FacingEnvironment: Solid(32, 24, color.Gray{Y: 200}),
		},
		AcquireError: make(map[capture.Facing]error),
		NoFrame:      make(map[capture.Facing]bool),
	}
}

// Solid returns a w x h image filled with c.
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// SetImage replaces the image served for facing.
func (m *MockSource) SetImage(facing capture.Facing, img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[facing] = img
	for _, t := range m.tracks {
		if t.facing == facing && !t.stopped() {
			t.push(img)
		}
	}
}

// Acquire implements camera.MediaSource.
func (m *MockSource) Acquire(ctx context.Context, c camera.Constraints) (camera.Track, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.acquired = append(m.acquired, c.Facing)
	if err := m.AcquireError[c.Facing]; err != nil {
		return nil, err
	}

	m.live++
	m.maxLive = max(m.maxLive, m.live)

	t := &MockTrack{
		id:     uuid.NewString(),
		facing: c.Facing,
		torch:  m.Torch,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		onStop: m.release,
	}
	if !m.NoFrame[c.Facing] {
		t.push(m.images[c.Facing])
	}
	m.tracks = append(m.tracks, t)
	return t, nil
}

func (m *MockSource) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live--
}

// Live returns the number of tracks not yet stopped.
func (m *MockSource) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// MaxLive returns the highest number of simultaneously live tracks.
func (m *MockSource) MaxLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

// Acquired returns the facings requested so far, in order.
func (m *MockSource) Acquired() []capture.Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capture.Facing(nil), m.acquired...)
}

// Tracks returns every track handed out so far.
func (m *MockSource) Tracks() []*MockTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockTrack(nil), m.tracks...)
}

// MockTrack is a mock implementation of camera.Track.
type MockTrack struct {
	id     string
	facing capture.Facing
	torch  bool
	onStop func()

	mu      sync.Mutex
	frame   capture.Frame
	seq     uint64
	torchOn bool
	err     error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

func (t *MockTrack) push(img image.Image) {
	t.mu.Lock()
	t.seq++
	t.frame = capture.Frame{Image: img, Facing: t.facing, Seq: t.seq, ReceivedAt: time.Now()}
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *MockTrack) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *MockTrack) ID() string                        { return t.id }
func (t *MockTrack) Facing() capture.Facing            { return t.facing }
func (t *MockTrack) Ready() <-chan struct{}            { return t.ready }
func (t *MockTrack) Done() <-chan struct{}             { return t.done }
func (t *MockTrack) Capabilities() camera.Capabilities { return camera.Capabilities{Torch: t.torch} }

func (t *MockTrack) Latest() (capture.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame, t.seq > 0
}

func (t *MockTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *MockTrack) SetTorch(enabled bool) error {
	if !t.torch {
		return camera.ErrTorchUnsupported
	}
	t.mu.Lock()
	t.torchOn = enabled
	t.mu.Unlock()
	return nil
}

// TorchOn reports the last torch state set.
func (t *MockTrack) TorchOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.torchOn
}

func (t *MockTrack) Stop() error {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
	return nil
}

// Fail ends the track as if the device went away.
func (t *MockTrack) Fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	_ = t.Stop()
}
