// Package capture turns the frame currently shown by the camera feed into
// immutable, PNG-encoded snapshots.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"golang.org/x/image/draw"
)

// ErrNoActiveFeed is returned when there is no live camera session or the
// session has not delivered its first frame yet.
var ErrNoActiveFeed = errors.New("no active camera feed")

// Facing selects a physical camera by the direction it points.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other facing of the camera pair.
func (f Facing) Opposite() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Valid reports whether f is one of the known facings.
func (f Facing) Valid() bool {
	return f == FacingUser || f == FacingEnvironment
}

// ParseFacing parses "user" or "environment".
func ParseFacing(s string) (Facing, error) {
	f := Facing(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown camera facing %q", s)
	}
	return f, nil
}

// Frame is one decoded video frame.
type Frame struct {
	Image      image.Image
	Facing     Facing
	Seq        uint64 // increases with every frame delivered by a track
	ReceivedAt time.Time
}

// Feed exposes the frame currently displayed by the live camera session.
type Feed interface {
	CurrentFrame() (Frame, error)
}

// Surface captures snapshots from a Feed. Capturing never alters the feed.
type Surface struct {
	feed Feed
	now  func() time.Time
}

// NewSurface creates a capture surface over feed.
func NewSurface(feed Feed) *Surface {
	return &Surface{feed: feed, now: time.Now}
}

// Capture rasterizes the current frame at its native resolution.
func (s *Surface) Capture() (*Snapshot, error) {
	if s.feed == nil {
		return nil, ErrNoActiveFeed
	}
	frame, err := s.feed.CurrentFrame()
	if err != nil {
		return nil, err
	}
	if frame.Image == nil || frame.Image.Bounds().Empty() {
		return nil, ErrNoActiveFeed
	}
	return newSnapshot(frame, s.now())
}

func newSnapshot(frame Frame, at time.Time) (*Snapshot, error) {
	rgba := rasterize(frame.Image)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return &Snapshot{
		Data:         buf.Bytes(),
		Width:        rgba.Bounds().Dx(),
		Height:       rgba.Bounds().Dy(),
		SourceFacing: frame.Facing,
		CapturedAt:   at,
		FrameSeq:     frame.Seq,
		DHash:        computeDHash(rgba),
		img:          rgba,
	}, nil
}

// rasterize copies src into a fresh zero-origin RGBA buffer of the same size.
func rasterize(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
