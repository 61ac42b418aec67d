package face

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// ErrModelUnavailable is returned while the face model is still loading or failed to load.
var ErrModelUnavailable = errors.New("face model unavailable")

// Detection is one detected face.
type Detection struct {
	Embedding []float32
	BBox      []float64 // [x1, y1, x2, y2]
	Score     float64
}

// Model detects faces and computes their embeddings.
type Model interface {
	Ready() bool
	DetectFaces(ctx context.Context, imageData []byte) ([]Detection, error)
}

// Loader makes an EmbeddingClient available as a Model once its assets answer.
// Loading runs in the background; until then the model reports not ready.
type Loader struct {
	client   *EmbeddingClient
	modelURL string
	attempts int
	interval time.Duration
	log      *zap.Logger

	ready    atomic.Bool
	loadOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	err      error
}

// NewLoader creates a loader that probes modelURL up to attempts times.
func NewLoader(client *EmbeddingClient, modelURL string, attempts int, interval time.Duration, log *zap.Logger) *Loader {
	return &Loader{
		client:   client,
		modelURL: modelURL,
		attempts: max(attempts, 1),
		interval: interval,
		log:      logger.OrNop(log).Named("face"),
		done:     make(chan struct{}),
	}
}

// Load starts loading in the background and returns immediately.
func (l *Loader) Load(ctx context.Context) {
	l.loadOnce.Do(func() {
		go l.load(ctx)
	})
}

func (l *Loader) load(ctx context.Context) {
	defer close(l.done)

	var lastErr error
attempts:
	for attempt := 1; attempt <= l.attempts; attempt++ {
		err := l.client.Probe(ctx, l.modelURL)
		if err == nil {
			l.ready.Store(true)
			l.log.Info("face model ready", zap.String("model_url", l.modelURL), zap.Int("attempt", attempt))
			return
		}
		lastErr = err
		l.log.Debug("face model not ready", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == l.attempts {
			break attempts
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(l.interval):
		}
	}

	l.mu.Lock()
	l.err = fmt.Errorf("loading face model from %s: %w", l.modelURL, lastErr)
	l.mu.Unlock()
	l.log.Error("face model failed to load", zap.Error(lastErr))
}

// Ready reports whether the model can be used.
func (l *Loader) Ready() bool {
	return l.ready.Load()
}

// Done is closed when loading finished, successfully or not.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Err returns the load failure, if loading gave up.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// DetectFaces implements Model.
func (l *Loader) DetectFaces(ctx context.Context, imageData []byte) ([]Detection, error) {
	if !l.Ready() {
		return nil, ErrModelUnavailable
	}
	return l.client.DetectFaces(ctx, imageData)
}
