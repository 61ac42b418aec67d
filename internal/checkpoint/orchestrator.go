package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/code"
	"github.com/kozaktomas/checkpoint/internal/constants"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/geo"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// Deps are the collaborators of an Orchestrator. Location and Publisher are
// optional and must be left as untyped nil when absent.
type Deps struct {
	Camera     Camera
	Evaluator  Evaluator
	Scanner    code.Scanner
	References *face.ReferenceSet
	Location   LocationSource
	Publisher  Publisher
	Log        *zap.Logger
}

// flowRun carries the outcome of one flow from Start to Reset.
type flowRun struct {
	done   chan struct{}
	result *Result
}

// finish is the work left after a flow turned terminal, done outside the lock.
type finish struct {
	res   Result
	scan  code.Scan
	torch bool
}

// Orchestrator drives one checkpoint flow at a time.
//
// Every phase runs in its own goroutine under a context that is cancelled when
// the phase is left. Each phase entry increments an epoch; a phase goroutine
// applies its outcome only while the epoch it was started with is current.
type Orchestrator struct {
	cfg       Config
	camera    Camera
	surface   *capture.Surface
	evaluator Evaluator
	scanner   code.Scanner
	location  LocationSource
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time

	events  EventBroadcaster
	trigger chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	refs        *face.ReferenceSet
	state       State
	epoch       uint64
	flowCtx     context.Context
	flowCancel  context.CancelFunc
	phaseCancel context.CancelFunc
	scan        code.Scan
	torchOn     bool
	faceSnap    *capture.Snapshot
	codeSnap    *capture.Snapshot
	run         *flowRun
	closed      bool
}

// New creates an idle orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		camera:    deps.Camera,
		surface:   capture.NewSurface(deps.Camera),
		evaluator: deps.Evaluator,
		scanner:   deps.Scanner,
		location:  deps.Location,
		publisher: deps.Publisher,
		log:       logger.OrNop(deps.Log).Named("checkpoint"),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		refs:      deps.References,
		state:     State{Phase: PhaseIdle},
		run:       &flowRun{done: make(chan struct{})},
	}
}

// Start begins a flow. It is only allowed from Idle. The flow is aborted with
// ReasonUserCancelled when ctx is cancelled, or ReasonTimeout when its
// deadline passes.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.state.Phase != PhaseIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, o.state.Phase)
	}
	o.startLocked(ctx)
	return nil
}

func (o *Orchestrator) startLocked(ctx context.Context) {
	select {
	case <-o.trigger:
	default:
	}

	now := o.now()
	o.state = State{ID: uuid.NewString(), Phase: PhaseIdle, StartedAt: now, UpdatedAt: now}
	o.faceSnap, o.codeSnap = nil, nil
	o.flowCtx, o.flowCancel = context.WithCancel(ctx)

	o.log.Info("checkpoint started", zap.String("id", o.state.ID))
	o.enterLocked(PhaseAwaitingFace, o.runAwaitingFace)
}

// Trigger requests an immediate face evaluation.
func (o *Orchestrator) Trigger() error {
	o.mu.Lock()
	phase := o.state.Phase
	o.mu.Unlock()

	if phase != PhaseAwaitingFace {
		return fmt.Errorf("%w: trigger in %s", ErrInvalidTransition, phase)
	}
	select {
	case o.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Abort ends a running flow with ReasonUserCancelled. The code scan, if any,
// is stopped before Abort returns. A camera switch in progress is not
// interrupted; its result is discarded.
func (o *Orchestrator) Abort() error {
	o.mu.Lock()
	if o.state.Phase == PhaseIdle || o.state.Phase.Terminal() {
		phase := o.state.Phase
		o.mu.Unlock()
		return fmt.Errorf("%w: abort in %s", ErrInvalidTransition, phase)
	}
	f := o.finishLocked(PhaseAborted, ReasonUserCancelled)
	o.mu.Unlock()

	o.cleanup(f)
	return nil
}

// Reset returns a finished flow to Idle. It fails while a flow is running or
// while the camera is still switching.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	scan, err := o.resetLocked()
	o.mu.Unlock()

	if scan != nil {
		scan.Stop()
	}
	return err
}

// Restart resets a finished flow and begins the next one in AwaitingFace.
// The previous code scan is stopped before the new flow starts.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	scan, err := o.resetLocked()
	if err != nil {
		return err
	}
	// Scans never take o.mu.
	if scan != nil {
		scan.Stop()
	}
	o.startLocked(ctx)
	return nil
}

func (o *Orchestrator) resetLocked() (code.Scan, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if !o.state.Phase.Terminal() {
		return nil, fmt.Errorf("%w: reset in %s", ErrInvalidTransition, o.state.Phase)
	}
	if o.camera != nil && o.camera.Switching() {
		return nil, fmt.Errorf("%w: camera switch in progress", ErrInvalidTransition)
	}

	scan := o.scan
	o.scan = nil
	o.epoch++
	o.state = State{Phase: PhaseIdle, UpdatedAt: o.now()}
	o.faceSnap, o.codeSnap = nil, nil
	o.run = &flowRun{done: make(chan struct{})}
	o.emitLocked(EventPhase, "")
	return scan, nil
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Result returns the terminal result of the current flow, if it has finished.
func (o *Orchestrator) Result() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run.result == nil {
		return Result{}, false
	}
	return *o.run.result, true
}

// Wait blocks until the current flow, or the next one when idle, is terminal.
func (o *Orchestrator) Wait(ctx context.Context) (Result, error) {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()

	select {
	case <-run.done:
		return *run.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Subscribe registers for events. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := o.events.AddListener()
	return ch, func() { o.events.RemoveListener(ch) }
}

// References returns the reference set faces are matched against.
func (o *Orchestrator) References() *face.ReferenceSet {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refs
}

// SetReferences replaces the reference set. Running evaluations keep the old one.
func (o *Orchestrator) SetReferences(refs *face.ReferenceSet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs = refs
}

// Close aborts a running flow, waits for phase goroutines, and closes all
// subscriptions. Camera and location sources are not closed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	var f *finish
	if o.state.Phase != PhaseIdle && !o.state.Phase.Terminal() {
		ff := o.finishLocked(PhaseAborted, ReasonUserCancelled)
		f = &ff
	}
	o.mu.Unlock()

	if f != nil {
		o.cleanup(*f)
	}
	o.wg.Wait()
	o.events.Close()
	return nil
}

// enterLocked moves to phase and starts its goroutine.
func (o *Orchestrator) enterLocked(phase Phase, run func(ctx context.Context, epoch uint64)) {
	if o.phaseCancel != nil {
		o.phaseCancel()
	}
	o.epoch++
	ctx, cancel := context.WithCancel(o.flowCtx)
	o.phaseCancel = cancel

	o.state.Phase = phase
	o.state.UpdatedAt = o.now()
	o.log.Debug("phase entered", zap.String("id", o.state.ID), zap.String("phase", string(phase)))
	o.emitLocked(EventPhase, "")

	epoch := o.epoch
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		run(ctx, epoch)
	}()
}

// advance enters phase if epoch is still current.
func (o *Orchestrator) advance(epoch uint64, phase Phase, run func(ctx context.Context, epoch uint64)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return
	}
	o.enterLocked(phase, run)
}

// finishLocked makes the flow terminal and returns the remaining cleanup.
func (o *Orchestrator) finishLocked(phase Phase, reason Reason) finish {
	if o.phaseCancel != nil {
		o.phaseCancel()
		o.phaseCancel = nil
	}
	o.epoch++

	now := o.now()
	o.state.Phase = phase
	o.state.Reason = reason
	o.state.UpdatedAt = now

	res := Result{
		ID:           o.state.ID,
		Phase:        phase,
		Reason:       reason,
		Face:         o.state.Face,
		Code:         o.state.Code,
		Location:     o.state.Location,
		StartedAt:    o.state.StartedAt,
		FinishedAt:   now,
		FaceSnapshot: o.faceSnap,
		CodeSnapshot: o.codeSnap,
	}
	o.run.result = &res
	if o.flowCancel != nil {
		o.flowCancel()
	}

	f := finish{res: res, scan: o.scan, torch: o.torchOn}
	o.scan = nil
	o.torchOn = false

	o.log.Info("checkpoint finished",
		zap.String("id", res.ID),
		zap.String("phase", string(phase)),
		zap.String("reason", string(reason)),
		zap.Duration("duration", now.Sub(res.StartedAt)))
	o.emitLocked(EventPhase, string(reason))
	close(o.run.done)
	return f
}

func (o *Orchestrator) cleanup(f finish) {
	if f.scan != nil {
		f.scan.Stop()
	}
	if f.torch {
		if err := o.camera.SetTorch(false); err != nil {
			o.log.Debug("failed to turn torch off", zap.Error(err))
		}
	}
	if o.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.PublishTimeout)
		defer cancel()
		if err := o.publisher.Publish(ctx, f.res); err != nil {
			o.log.Warn("failed to publish result", zap.String("id", f.res.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) emitLocked(typ, msg string) {
	o.events.SendEvent(Event{Type: typ, Message: msg, State: o.state})
}

// abortIfCurrent aborts with reason unless the phase started at epoch has exited.
func (o *Orchestrator) abortIfCurrent(epoch uint64, reason Reason, err error) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.state.Error = err.Error()
	}
	f := o.finishLocked(PhaseAborted, reason)
	o.mu.Unlock()

	o.cleanup(f)
}

// cancelled handles a phase context that ended while its phase was current,
// which only happens when the flow context ended.
func (o *Orchestrator) cancelled(ctx context.Context, epoch uint64) {
	o.abortIfCurrent(epoch, cancelReason(ctx), nil)
}

// cancelReason maps an ended flow context to an abort reason. A passed
// deadline is a timeout, anything else a cancellation.
func cancelReason(ctx context.Context) Reason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonUserCancelled
}

// advisory records a non-fatal error.
func (o *Orchestrator) advisory(epoch uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return
	}
	o.log.Warn("checkpoint advisory error", zap.String("phase", string(o.state.Phase)), zap.Error(err))
	o.state.Error = err.Error()
	o.state.UpdatedAt = o.now()
	o.emitLocked(EventError, err.Error())
}

// switchCamera switches facing bounded by SwitchTimeout. The switch is not
// tied to the phase context, so leaving the phase does not tear it down.
func (o *Orchestrator) switchCamera(ctx context.Context, facing capture.Facing) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SwitchTimeout)
	defer cancel()
	return o.camera.SwitchTo(sctx, facing)
}

func (o *Orchestrator) switchFailed(ctx context.Context, epoch uint64, facing capture.Facing, err error) {
	reason := ReasonCameraSwitchFailed
	switch {
	case ctx.Err() != nil:
		reason = cancelReason(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	}
	o.log.Warn("camera switch failed",
		zap.String("facing", string(facing)),
		zap.String("reason", string(reason)),
		zap.Error(err))
	o.abortIfCurrent(epoch, reason, err)
}

func (o *Orchestrator) runAwaitingFace(ctx context.Context, epoch uint64) {
	if err := o.switchCamera(ctx, o.cfg.FaceFacing); err != nil {
		o.switchFailed(ctx, epoch, o.cfg.FaceFacing, err)
		return
	}

	ticker := time.NewTicker(o.cfg.FaceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.cancelled(ctx, epoch)
			return
		case <-ticker.C:
		case <-o.trigger:
		}
		if o.evaluateFace(ctx, epoch) {
			return
		}
	}
}

// evaluateFace runs one evaluation and reports whether the phase is over.
func (o *Orchestrator) evaluateFace(ctx context.Context, epoch uint64) bool {
	snap, err := o.surface.Capture()
	if err != nil {
		o.advisory(epoch, err)
		return false
	}

	res, err := o.evaluator.Evaluate(ctx, snap, o.References())
	if err != nil {
		switch {
		case errors.Is(err, face.ErrModelUnavailable):
			o.log.Debug("face model not ready")
		case ctx.Err() != nil:
		default:
			o.advisory(epoch, err)
		}
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return true
	}
	o.state.Face = &res
	o.state.Error = ""
	o.state.UpdatedAt = o.now()

	if !res.Detected || (o.cfg.RequireMatch && !res.Matched()) {
		o.emitLocked(EventFace, "")
		return false
	}

	o.log.Info("face detected",
		zap.String("id", o.state.ID),
		zap.String("identity", res.MatchedIdentity),
		zap.Float64("confidence", res.Confidence))
	o.faceSnap = snap
	o.enterLocked(PhaseFaceDetected, o.runFaceDetected)
	return true
}

func (o *Orchestrator) runFaceDetected(ctx context.Context, epoch uint64) {
	timer := time.NewTimer(o.cfg.SettleDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		o.cancelled(ctx, epoch)
		return
	case <-timer.C:
	}
	o.advance(epoch, PhaseSwitchingCamera, o.runSwitchingCamera)
}

func (o *Orchestrator) runSwitchingCamera(ctx context.Context, epoch uint64) {
	if err := o.switchCamera(ctx, o.cfg.CodeFacing); err != nil {
		o.switchFailed(ctx, epoch, o.cfg.CodeFacing, err)
		return
	}
	if ctx.Err() != nil {
		o.cancelled(ctx, epoch)
		return
	}
	o.advance(epoch, PhaseAwaitingCode, o.runAwaitingCode)
}

func (o *Orchestrator) runAwaitingCode(ctx context.Context, epoch uint64) {
	torch := false
	if o.cfg.TorchOnScan {
		if err := o.camera.SetTorch(true); err != nil {
			o.log.Debug("torch unavailable", zap.Error(err))
		} else {
			torch = true
		}
	}

	// The scan starts under o.mu so Abort always sees it.
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		if torch {
			_ = o.camera.SetTorch(false)
		}
		return
	}
	scan := o.scanner.Start(o.camera, o.cfg.Expected)
	o.scan = scan
	o.torchOn = torch
	o.mu.Unlock()

	timer := time.NewTimer(o.cfg.CodeTimeout)
	defer timer.Stop()

	select {
	case res := <-scan.Results():
		o.complete(epoch, res)
	case <-timer.C:
		o.log.Info("code scan timed out", zap.Duration("timeout", o.cfg.CodeTimeout))
		o.abortIfCurrent(epoch, ReasonTimeout, nil)
	case <-ctx.Done():
		o.cancelled(ctx, epoch)
	}
}

func (o *Orchestrator) complete(epoch uint64, res code.Result) {
	snap, err := o.surface.Capture()
	if err != nil {
		o.log.Warn("failed to capture code snapshot", zap.Error(err))
	}
	var loc *geo.Sample
	if o.location != nil {
		loc = o.location.Latest()
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	o.state.Code = &res
	o.state.Location = loc
	o.codeSnap = snap
	f := o.finishLocked(PhaseComplete, "")
	o.mu.Unlock()

	o.cleanup(f)
}
