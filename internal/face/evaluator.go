// Package face decides whether a snapshot shows a face and whom it belongs to.
package face

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// DefaultMaxImageSize is the longest side of images sent to the model.
const DefaultMaxImageSize = 1920

// MatchResult is the outcome of one evaluation. MatchedIdentity is set only
// when Confidence reached the threshold. It is the normalized identity key;
// MatchedName carries the reference's display name.
type MatchResult struct {
	Detected        bool    `json:"detected"`
	MatchedIdentity string  `json:"matched_identity,omitempty"`
	MatchedName     string  `json:"matched_name,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// Matched reports whether an identity was matched.
func (r MatchResult) Matched() bool {
	return r.MatchedIdentity != ""
}

// Evaluator runs face detection and reference matching on snapshots.
type Evaluator struct {
	model        Model
	threshold    float64
	maxImageSize int
	log          *zap.Logger
}

// NewEvaluator creates an evaluator. A match requires confidence >= threshold.
func NewEvaluator(model Model, threshold float64, maxImageSize int, log *zap.Logger) *Evaluator {
	if maxImageSize <= 0 {
		maxImageSize = DefaultMaxImageSize
	}
	return &Evaluator{
		model:        model,
		threshold:    threshold,
		maxImageSize: maxImageSize,
		log:          logger.OrNop(log).Named("face"),
	}
}

// Threshold returns the configured match threshold.
func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Evaluate detects the most prominent face in snap and matches it against refs.
// It returns ErrModelUnavailable while the model is loading.
func (e *Evaluator) Evaluate(ctx context.Context, snap *capture.Snapshot, refs *ReferenceSet) (MatchResult, error) {
	if !e.model.Ready() {
		return MatchResult{}, ErrModelUnavailable
	}
	if snap == nil {
		return MatchResult{}, errors.New("nil snapshot")
	}

	data, err := snap.Scaled(e.maxImageSize)
	if err != nil {
		return MatchResult{}, err
	}

	detections, err := e.model.DetectFaces(ctx, data)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			return MatchResult{}, err
		}
		return MatchResult{}, fmt.Errorf("detecting faces: %w", err)
	}

	primary, ok := MostProminent(detections)
	if !ok {
		return MatchResult{Detected: false}, nil
	}

	res := e.match(primary.Embedding, refs)
	e.log.Debug("face evaluated",
		zap.Int("faces", len(detections)),
		zap.Float64("det_score", primary.Score),
		zap.String("identity", res.MatchedIdentity),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// match scores an embedding against refs. An empty set still reports detection.
func (e *Evaluator) match(embedding []float32, refs *ReferenceSet) MatchResult {
	res := MatchResult{Detected: true}

	ref, sim, ok := refs.Best(embedding)
	if !ok {
		return res
	}
	res.Confidence = confidence(sim)
	if res.Confidence >= e.threshold {
		res.MatchedIdentity = ref.Identity
		res.MatchedName = ref.Name
	}
	return res
}

// MostProminent picks the detection with the highest detector score.
func MostProminent(detections []Detection) (Detection, bool) {
	best := -1
	for i, d := range detections {
		if len(d.Embedding) == 0 {
			continue
		}
		if best < 0 || d.Score > detections[best].Score {
			best = i
		}
	}
	if best < 0 {
		return Detection{}, false
	}
	return detections[best], true
}
