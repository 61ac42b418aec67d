// Package checkpoint runs the checkpoint flow: detect a face on one camera,
// switch to the other camera, read a code, and report the combined outcome.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/code"
	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/geo"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current phase.
	ErrInvalidTransition = errors.New("invalid checkpoint transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint orchestrator closed")
)

// Phase of a checkpoint flow.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAwaitingFace    Phase = "awaiting_face"
	PhaseFaceDetected    Phase = "face_detected"
	PhaseSwitchingCamera Phase = "switching_camera"
	PhaseAwaitingCode    Phase = "awaiting_code"
	PhaseComplete        Phase = "complete"
	PhaseAborted         Phase = "aborted"
)

// Terminal reports whether p ends a flow.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Reason explains an aborted flow.
type Reason string

const (
	ReasonCameraSwitchFailed Reason = "camera_switch_failed"
	ReasonUserCancelled      Reason = "user_cancelled"
	ReasonTimeout            Reason = "timeout"
)

// State is a point-in-time copy of the flow.
type State struct {
	ID        string            `json:"id,omitempty"`
	Phase     Phase             `json:"phase"`
	Reason    Reason            `json:"reason,omitempty"`
	Face      *face.MatchResult `json:"face,omitempty"`
	Code      *code.Result      `json:"code,omitempty"`
	Location  *geo.Sample       `json:"location,omitempty"`
	Error     string            `json:"error,omitempty"` // last advisory error
	StartedAt time.Time         `json:"started_at,omitzero"`
	UpdatedAt time.Time         `json:"updated_at,omitzero"`
}

// Result is the terminal payload of a flow.
type Result struct {
	ID           string            `json:"id"`
	Phase        Phase             `json:"phase"`
	Reason       Reason            `json:"reason,omitempty"`
	Face         *face.MatchResult `json:"face,omitempty"`
	Code         *code.Result      `json:"code,omitempty"`
	Location     *geo.Sample       `json:"location,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	FaceSnapshot *capture.Snapshot `json:"face_snapshot,omitempty"`
	CodeSnapshot *capture.Snapshot `json:"code_snapshot,omitempty"`
}

// Completed reports whether the flow reached Complete.
func (r Result) Completed() bool {
	return r.Phase == PhaseComplete
}

// Camera is the camera control the flow needs.
type Camera interface {
	capture.Feed
	SwitchTo(ctx context.Context, facing capture.Facing) error
	SetTorch(enabled bool) error
	Switching() bool
}

// Evaluator decides whether a snapshot shows a face.
type Evaluator interface {
	Evaluate(ctx context.Context, snap *capture.Snapshot, refs *face.ReferenceSet) (face.MatchResult, error)
}

// LocationSource reports the latest location sample, or nil.
type LocationSource interface {
	Latest() *geo.Sample
}

// Publisher receives terminal results.
type Publisher interface {
	Publish(ctx context.Context, res Result) error
}

// Config controls timing and validation of a flow.
type Config struct {
	FaceFacing    capture.Facing
	CodeFacing    capture.Facing
	FaceInterval  time.Duration
	SettleDelay   time.Duration
	SwitchTimeout time.Duration
	CodeTimeout   time.Duration
	TorchOnScan   bool
	RequireMatch  bool
	Expected      code.Expected
}

// ConfigFrom builds a flow configuration from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	faceFacing, err := capture.ParseFacing(cfg.Checkpoint.FaceFacing)
	if err != nil {
		return Config{}, fmt.Errorf("face facing: %w", err)
	}
	codeFacing, err := capture.ParseFacing(cfg.Checkpoint.CodeFacing)
	if err != nil {
		return Config{}, fmt.Errorf("code facing: %w", err)
	}
	return Config{
		FaceFacing:    faceFacing,
		CodeFacing:    codeFacing,
		FaceInterval:  cfg.Checkpoint.FaceInterval,
		SettleDelay:   cfg.Checkpoint.SettleDelay,
		SwitchTimeout: cfg.Checkpoint.SwitchTimeout,
		CodeTimeout:   cfg.Checkpoint.CodeTimeout,
		TorchOnScan:   cfg.Checkpoint.TorchOnScan,
		RequireMatch:  cfg.Face.RequireMatch,
		Expected:      code.NewExpected(cfg.Code.Expected...),
	}, nil
}

func (c Config) withDefaults() Config {
	if !c.FaceFacing.Valid() {
		c.FaceFacing = capture.FacingUser
	}
	if !c.CodeFacing.Valid() {
		c.CodeFacing = c.FaceFacing.Opposite()
	}
	if c.FaceInterval <= 0 {
		c.FaceInterval = 500 * time.Millisecond
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.SwitchTimeout <= 0 {
		c.SwitchTimeout = 5 * time.Second
	}
	if c.CodeTimeout <= 0 {
		c.CodeTimeout = 15 * time.Second
	}
	return c
}
