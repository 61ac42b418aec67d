package code

import (
	"errors"
	"sync"
	"time"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// DefaultScanInterval is the sampling period used when none is configured.
const DefaultScanInterval = 200 * time.Millisecond

// Validator samples a feed until a code decodes.
type Validator struct {
	decoder  Decoder
	interval time.Duration
	log      *zap.Logger
}

// NewValidator creates a validator sampling every interval.
func NewValidator(decoder Decoder, interval time.Duration, log *zap.Logger) *Validator {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Validator{
		decoder:  decoder,
		interval: interval,
		log:      logger.OrNop(log).Named("code"),
	}
}

// Start begins sampling feed. The first decoded payload is validated against
// expected and delivered on Results, then the scan stops on its own.
func (v *Validator) Start(feed capture.Feed, expected Expected) Scan {
	s := &Subscription{
		results: make(chan Result, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(v, feed, expected)
	return s
}

// Subscription is a running scan started by Validator.Start.
type Subscription struct {
	results chan Result
	stop    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
}

func (s *Subscription) run(v *Validator, feed capture.Feed, expected Expected) {
	defer close(s.done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	var lastSeq uint64
	var sampled bool
	for {
		frame, err := feed.CurrentFrame()
		switch {
		case errors.Is(err, capture.ErrNoActiveFeed):
		case err != nil:
			v.log.Debug("frame unavailable", zap.Error(err))
		case sampled && frame.Seq == lastSeq:
			// Same frame as the previous sample.
		default:
			sampled, lastSeq = true, frame.Seq
			payload, err := v.decoder.Decode(frame.Image)
			if err == nil && payload != "" {
				res := expected.Validate(payload)
				v.log.Info("code decoded",
					zap.String("payload", payload),
					zap.Bool("valid", res.IsValid),
					zap.Uint64("frame_seq", frame.Seq))
				s.deliver(res)
				return
			}
			if err != nil && !errors.Is(err, ErrNoCode) {
				v.log.Debug("decode failed", zap.Error(err))
			}
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Subscription) deliver(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.results <- res
}

// Results yields the single scan result.
func (s *Subscription) Results() <-chan Result {
	return s.results
}

// Stop ends the scan and waits for the sampling goroutine to exit. A result
// that was not yet received is discarded. Stop is idempotent.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		select {
		case <-s.results:
		default:
		}
		s.mu.Unlock()
		close(s.stop)
	})
	<-s.done
}

// Done is closed when sampling has ended, either by a result or by Stop.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
