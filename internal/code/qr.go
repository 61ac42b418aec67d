package code

import (
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QRDecoder decodes QR codes with gozxing.
type QRDecoder struct {
	hints map[gozxing.DecodeHintType]any
}

// NewQRDecoder creates a decoder. tryHarder trades speed for accuracy on
// noisy frames.
func NewQRDecoder(tryHarder bool) *QRDecoder {
	hints := map[gozxing.DecodeHintType]any{}
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	return &QRDecoder{hints: hints}
}

func (d *QRDecoder) Decode(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrNoCode
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("preparing bitmap: %w", err)
	}

	// Readers keep per-decode state, so one is created per call.
	res, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		// Not found, checksum and format failures all mean no usable code.
		return "", fmt.Errorf("%w: %v", ErrNoCode, err)
	}
	return res.GetText(), nil
}
