// Package geo tracks the device location in the background. Location is
// advisory: its absence never blocks a checkpoint.
package geo

import (
	"context"
	"errors"
	"time"
)

// Locator errors. PermissionDenied and Unsupported are terminal; the others are retried.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimedOut            = errors.New("location request timed out")
	ErrUnsupported         = errors.New("location not supported")
)

// Sample is one location reading.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"` // meters
	CapturedAt time.Time `json:"captured_at"`
}

// Options for a single position query.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration // a cached fix younger than this is acceptable
}

// Locator answers position queries.
type Locator interface {
	CurrentPosition(ctx context.Context, opts Options) (Sample, error)
}

// StaticLocator reports a fixed position, e.g. the surveyed location of a kiosk.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

func (l StaticLocator) CurrentPosition(ctx context.Context, _ Options) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, ErrTimedOut
	}
	return Sample{
		Latitude:   l.Latitude,
		Longitude:  l.Longitude,
		Accuracy:   l.Accuracy,
		CapturedAt: time.Now(),
	}, nil
}

// UnsupportedLocator is used when the station has no location source.
type UnsupportedLocator struct{}

func (UnsupportedLocator) CurrentPosition(context.Context, Options) (Sample, error) {
	return Sample{}, ErrUnsupported
}

// terminal reports whether err ends tracking, and the reason to publish.
func terminal(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied", true
	case errors.Is(err, ErrUnsupported):
		return "unsupported", true
	default:
		return "", false
	}
}
