// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event subscriber channels
	EventChannelBuffer = 100
)

// Checkpoint constants
const (
	// PublishTimeout bounds publishing one terminal result
	PublishTimeout = 5 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the HTTP server
	ShutdownTimeout = 30 * time.Second
)

// Enrollment constants
const (
	// DefaultEnrollConcurrency is the default number of parallel enrollment workers
	DefaultEnrollConcurrency = 4

	// MaxUploadSize is the maximum accepted image size in bytes (20MB)
	MaxUploadSize = 20 << 20
)
