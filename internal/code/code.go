// Package code samples the live camera feed for a QR code and validates the
// decoded payload against a set of accepted codes.
package code

import (
	"errors"
	"image"
	"strings"

	"github.com/kozaktomas/checkpoint/internal/capture"
)

// ErrNoCode is returned by a Decoder when the image holds no readable code.
var ErrNoCode = errors.New("no code found")

// Decoder extracts a code payload from an image.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// Result is the outcome of a scan. IsValid is only meaningful when
// DecodedPayload is non-empty.
type Result struct {
	DecodedPayload string `json:"decoded_payload"`
	IsValid        bool   `json:"is_valid"`
}

// Expected is the set of accepted payloads.
type Expected map[string]struct{}

// NewExpected builds a set from codes, ignoring blank entries.
func NewExpected(codes ...string) Expected {
	e := make(Expected, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			e[c] = struct{}{}
		}
	}
	return e
}

// Contains reports whether payload is accepted. Surrounding whitespace is ignored.
func (e Expected) Contains(payload string) bool {
	_, ok := e[strings.TrimSpace(payload)]
	return ok
}

// Validate turns a decoded payload into a Result.
func (e Expected) Validate(payload string) Result {
	return Result{DecodedPayload: payload, IsValid: e.Contains(payload)}
}

// Scan is a running code scan. It yields at most one Result.
type Scan interface {
	Results() <-chan Result
	// Stop ends the scan and waits for it. After Stop returns no result is delivered.
	Stop()
	Done() <-chan struct{}
}

// Scanner starts scans over a feed. Start must not block.
type Scanner interface {
	Start(feed capture.Feed, expected Expected) Scan
}
