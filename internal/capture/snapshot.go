package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// Snapshot is a still image taken from the feed. It is never modified after creation.
type Snapshot struct {
	Data         []byte    `json:"-"` // PNG
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SourceFacing Facing    `json:"source_facing"`
	CapturedAt   time.Time `json:"captured_at"`
	FrameSeq     uint64    `json:"frame_seq"`
	DHash        uint64    `json:"dhash"`

	img *image.RGBA
}

// Image returns the rasterized pixels. Callers must treat it as read-only.
func (s *Snapshot) Image() image.Image {
	return s.img
}

// MIMEType of Data.
func (s *Snapshot) MIMEType() string {
	return "image/png"
}

// Scaled returns the snapshot as JPEG, downscaled to fit within maxSize while keeping aspect ratio.
func (s *Snapshot) Scaled(maxSize int) ([]byte, error) {
	var src image.Image = s.img
	width, height := s.Width, s.Height

	if maxSize > 0 && (width > maxSize || height > maxSize) {
		var newWidth, newHeight int
		if width > height {
			newWidth = maxSize
			newHeight = int(float64(height) * float64(maxSize) / float64(width))
		} else {
			newHeight = maxSize
			newWidth = int(float64(width) * float64(maxSize) / float64(height))
		}
		src = resizeImage(s.img, max(newWidth, 1), max(newHeight, 1))
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode scaled snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// resizeImage scales an image to the specified dimensions.
func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
