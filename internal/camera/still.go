package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	"github.com/kozaktomas/checkpoint/internal/capture"
	_ "golang.org/x/image/bmp"
)

// StillSource serves a fixed image per facing. It stands in for cameras that
// export their current picture as a file, and drives demos.
type StillSource struct {
	Paths map[capture.Facing]string
	// Interval re-reads the file so an externally refreshed image shows up. Zero reads once.
	Interval time.Duration
	// Torch advertises torch support; toggling it is recorded only.
	Torch bool
}

// Acquire loads the image for c.Facing.
func (s *StillSource) Acquire(ctx context.Context, c Constraints) (Track, error) {
	path, ok := s.Paths[c.Facing]
	if !ok || path == "" {
		return nil, &DeviceError{Facing: c.Facing, Name: NotFoundError, Err: errors.New("no image configured")}
	}

	img, err := loadImage(path)
	if err != nil {
		name := NotReadableError
		if errors.Is(err, os.ErrNotExist) {
			name = NotFoundError
		}
		return nil, &DeviceError{Facing: c.Facing, Name: name, Err: err}
	}

	t := &stillTrack{
		frameTrack: newFrameTrack(c.Facing),
		torch:      s.Torch,
		stop:       make(chan struct{}),
	}
	t.publish(img)

	if s.Interval > 0 {
		go t.refresh(path, s.Interval)
	}
	return t, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

type stillTrack struct {
	*frameTrack
	torch bool

	mu       sync.Mutex
	torchOn  bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *stillTrack) Capabilities() Capabilities {
	return Capabilities{Torch: t.torch}
}

func (t *stillTrack) SetTorch(enabled bool) error {
	if !t.torch {
		return ErrTorchUnsupported
	}
	t.mu.Lock()
	t.torchOn = enabled
	t.mu.Unlock()
	return nil
}

func (t *stillTrack) refresh(path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// A half-written file is skipped; the previous frame stays current.
			if img, err := loadImage(path); err == nil {
				t.publish(img)
			}
		}
	}
}

func (t *stillTrack) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.finish(errors.New("track stopped"))
	})
	return nil
}
