package camera

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/checkpoint/internal/capture"
)

// frameTrack holds the latest frame of a track and its lifecycle signals.
// Sources embed it and feed it through publish and finish.
type frameTrack struct {
	id     string
	facing capture.Facing

	mu     sync.RWMutex
	latest capture.Frame
	seq    uint64
	err    error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newFrameTrack(facing capture.Facing) *frameTrack {
	return &frameTrack{
		id:     uuid.NewString(),
		facing: facing,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *frameTrack) ID() string                 { return t.id }
func (t *frameTrack) Facing() capture.Facing     { return t.facing }
func (t *frameTrack) Ready() <-chan struct{}     { return t.ready }
func (t *frameTrack) Done() <-chan struct{}      { return t.done }
func (t *frameTrack) Capabilities() Capabilities { return Capabilities{} }

func (t *frameTrack) SetTorch(bool) error { return ErrTorchUnsupported }

func (t *frameTrack) Latest() (capture.Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.seq > 0
}

func (t *frameTrack) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// publish stores img as the latest frame and signals readiness on the first one.
func (t *frameTrack) publish(img image.Image) {
	select {
	case <-t.done:
		return
	default:
	}

	t.mu.Lock()
	t.seq++
	t.latest = capture.Frame{Image: img, Facing: t.facing, Seq: t.seq, ReceivedAt: time.Now()}
	t.mu.Unlock()

	t.readyOnce.Do(func() { close(t.ready) })
}

// finish ends the track. The first error recorded wins.
func (t *frameTrack) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}
