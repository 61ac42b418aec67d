package checkpoint

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/camera/mock"
	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/code"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/geo"
	"go.uber.org/zap/zaptest"
)

// fakeCamera is a Camera whose switches can be blocked or failed per facing.
type fakeCamera struct {
	mu        sync.Mutex
	facing    capture.Facing
	live      bool
	dark      bool // live but no frames
	switching bool
	seq       uint64
	block     map[capture.Facing]chan struct{}
	errs      map[capture.Facing]error
	torch     []bool
	switches  []capture.Facing
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		block: make(map[capture.Facing]chan struct{}),
		errs:  make(map[capture.Facing]error),
	}
}

func (c *fakeCamera) SwitchTo(ctx context.Context, facing capture.Facing) error {
	c.mu.Lock()
	c.switching = true
	c.live = false
	c.switches = append(c.switches, facing)
	block, err := c.block[facing], c.errs[facing]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.facing, c.live = facing, true
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) SetTorch(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.torch = append(c.torch, enabled)
	return nil
}

func (c *fakeCamera) Switching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switching
}

func (c *fakeCamera) CurrentFrame() (capture.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live || c.dark {
		return capture.Frame{}, capture.ErrNoActiveFeed
	}
	c.seq++
	return capture.Frame{Image: image.NewGray(image.Rect(0, 0, 16, 12)), Facing: c.facing, Seq: c.seq}, nil
}

func (c *fakeCamera) torchCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.torch...)
}

// evalFunc adapts a function to Evaluator.
type evalFunc func(ctx context.Context, snap *capture.Snapshot, refs *face.ReferenceSet) (face.MatchResult, error)

func (f evalFunc) Evaluate(ctx context.Context, snap *capture.Snapshot, refs *face.ReferenceSet) (face.MatchResult, error) {
	return f(ctx, snap, refs)
}

func detected(identity string, confidence float64) Evaluator {
	return evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
		return face.MatchResult{Detected: true, MatchedIdentity: identity, Confidence: confidence}, nil
	})
}

// fakeScan is a code.Scan fed by the test.
type fakeScan struct {
	results chan code.Result
	done    chan struct{}
	once    sync.Once
	stops   atomic.Int32
}

func (s *fakeScan) Results() <-chan code.Result { return s.results }
func (s *fakeScan) Done() <-chan struct{}       { return s.done }

func (s *fakeScan) Stop() {
	s.stops.Add(1)
	s.once.Do(func() { close(s.done) })
}

type fakeScanner struct {
	mu      sync.Mutex
	scans   []*fakeScan
	started chan *fakeScan
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{started: make(chan *fakeScan, 4)}
}

func (s *fakeScanner) Start(capture.Feed, code.Expected) code.Scan {
	scan := &fakeScan{results: make(chan code.Result, 1), done: make(chan struct{})}
	s.mu.Lock()
	s.scans = append(s.scans, scan)
	s.mu.Unlock()
	s.started <- scan
	return scan
}

func (s *fakeScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans)
}

type fakePublisher struct {
	mu      sync.Mutex
	results []Result
}

func (p *fakePublisher) Publish(_ context.Context, res Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return nil
}

func (p *fakePublisher) published() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

type staticLocation struct{ sample *geo.Sample }

func (l staticLocation) Latest() *geo.Sample { return l.sample }

func testConfig() Config {
	return Config{
		FaceFacing:    capture.FacingUser,
		CodeFacing:    capture.FacingEnvironment,
		FaceInterval:  5 * time.Millisecond,
		SettleDelay:   5 * time.Millisecond,
		SwitchTimeout: time.Second,
		CodeTimeout:   time.Second,
		TorchOnScan:   true,
		Expected:      code.NewExpected("VALID_QR_CODE_ID"),
	}
}

func waitPhase(t *testing.T, o *Orchestrator, phase Phase) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := o.State(); s.Phase == phase {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase %s not reached, state is %+v", phase, o.State())
	return State{}
}

func waitResult(t *testing.T, o *Orchestrator) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := o.Wait(ctx)
	if err != nil {
		t.Fatalf("flow did not finish: %v (state %+v)", err, o.State())
	}
	return res
}

func nextScan(t *testing.T, s *fakeScanner) *fakeScan {
	t.Helper()
	select {
	case scan := <-s.started:
		return scan
	case <-time.After(2 * time.Second):
		t.Fatal("code scan not started")
		return nil
	}
}

// unitAt returns a unit vector whose cosine similarity to [1, 0] is c.
func unitAt(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

type embeddingModel struct{ embedding []float32 }

func (m embeddingModel) Ready() bool { return true }

func (m embeddingModel) DetectFaces(context.Context, []byte) ([]face.Detection, error) {
	return []face.Detection{{Embedding: m.embedding, BBox: []float64{0, 0, 10, 10}, Score: 0.99}}, nil
}

func TestOrchestrator_MatchAndComplete(t *testing.T) {
	src := mock.NewMockSource()
	director := camera.NewDirector(src, time.Second, zaptest.NewLogger(t))
	refs := face.NewReferenceSet([]face.Reference{
		{Identity: "alice", Embedding: []float32{1, 0}},
		{Identity: "bob", Embedding: []float32{0, 1}},
	}, 0)
	evaluator := face.NewEvaluator(embeddingModel{embedding: unitAt(0.82)}, 0.6, 0, zaptest.NewLogger(t))
	scanner := newFakeScanner()
	pub := &fakePublisher{}
	loc := &geo.Sample{Latitude: 50.08, Longitude: 14.42, Accuracy: 12}

	cfg := testConfig()
	cfg.SettleDelay = 100 * time.Millisecond
	o := New(cfg, Deps{
		Camera:     director,
		Evaluator:  evaluator,
		Scanner:    scanner,
		References: refs,
		Location:   staticLocation{sample: loc},
		Publisher:  pub,
		Log:        zaptest.NewLogger(t),
	})
	defer o.Close()

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := waitPhase(t, o, PhaseFaceDetected)
	if st.Face == nil || st.Face.MatchedIdentity != "alice" {
		t.Fatalf("expected alice to match, got %+v", st.Face)
	}
	if math.Abs(st.Face.Confidence-0.82) > 1e-4 {
		t.Errorf("expected confidence ~0.82, got %v", st.Face.Confidence)
	}

	waitPhase(t, o, PhaseAwaitingCode)
	scan := nextScan(t, scanner)
	scan.results <- code.Result{DecodedPayload: "VALID_QR_CODE_ID", IsValid: true}

	res := waitResult(t, o)
	if !res.Completed() || res.Reason != "" {
		t.Fatalf("expected Complete, got %+v", res)
	}
	if res.Code == nil || !res.Code.IsValid || res.Code.DecodedPayload != "VALID_QR_CODE_ID" {
		t.Errorf("unexpected code result %+v", res.Code)
	}
	if res.Location == nil || res.Location.Latitude != 50.08 {
		t.Errorf("expected location to be attached, got %+v", res.Location)
	}
	if res.FaceSnapshot == nil || res.FaceSnapshot.SourceFacing != capture.FacingUser {
		t.Errorf("face snapshot must come from the user camera, got %+v", res.FaceSnapshot)
	}
	if res.CodeSnapshot == nil || res.CodeSnapshot.SourceFacing != capture.FacingEnvironment {
		t.Errorf("code snapshot must come from the environment camera, got %+v", res.CodeSnapshot)
	}
	if src.MaxLive() != 1 {
		t.Errorf("expected at most one live track, got %d", src.MaxLive())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.published()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := pub.published(); len(got) != 1 || got[0].ID != res.ID {
		t.Errorf("expected one published result, got %d", len(got))
	}
	if r, ok := o.Result(); !ok || r.ID != res.ID {
		t.Error("Result must return the terminal result")
	}

	var phases []Phase
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventPhase {
			phases = append(phases, ev.State.Phase)
		}
	}
	want := []Phase{PhaseAwaitingFace, PhaseFaceDetected, PhaseSwitchingCamera, PhaseAwaitingCode, PhaseComplete}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase %d: expected %s, got %s", i, want[i], phases[i])
		}
	}
}

func TestOrchestrator_SwitchDeviceErrorAborts(t *testing.T) {
	src := mock.NewMockSource()
	src.AcquireError[capture.FacingEnvironment] = &camera.DeviceError{
		Facing: capture.FacingEnvironment,
		Name:   camera.NotReadableError,
	}
	director := camera.NewDirector(src, time.Second, zaptest.NewLogger(t))
	scanner := newFakeScanner()

	o := New(testConfig(), Deps{
		Camera:    director,
		Evaluator: detected("", 0),
		Scanner:   scanner,
		Log:       zaptest.NewLogger(t),
	})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := waitResult(t, o)
	if res.Phase != PhaseAborted || res.Reason != ReasonCameraSwitchFailed {
		t.Fatalf("expected Aborted(camera_switch_failed), got %s(%s)", res.Phase, res.Reason)
	}
	if scanner.count() != 0 {
		t.Error("code scan must not start after a failed switch")
	}
	if st := o.State(); st.Error == "" {
		t.Error("expected the device error to be recorded")
	}
}

func TestOrchestrator_FaceCameraFailureAborts(t *testing.T) {
	cam := newFakeCamera()
	cam.errs[capture.FacingUser] = &camera.DeviceError{Facing: capture.FacingUser, Name: camera.NotFoundError}
	evaluated := atomic.Bool{}

	o := New(testConfig(), Deps{
		Camera: cam,
		Evaluator: evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
			evaluated.Store(true)
			return face.MatchResult{}, nil
		}),
		Scanner: newFakeScanner(),
	})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, o)
	if res.Reason != ReasonCameraSwitchFailed {
		t.Errorf("expected camera_switch_failed, got %s", res.Reason)
	}
	if evaluated.Load() {
		t.Error("faces must not be evaluated without a camera")
	}
}

func TestOrchestrator_SwitchTimeout(t *testing.T) {
	cam := newFakeCamera()
	cam.block[capture.FacingEnvironment] = make(chan struct{})

	cfg := testConfig()
	cfg.SwitchTimeout = 30 * time.Millisecond
	o := New(cfg, Deps{Camera: cam, Evaluator: detected("", 0), Scanner: newFakeScanner()})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, o)
	if res.Phase != PhaseAborted || res.Reason != ReasonTimeout {
		t.Errorf("expected Aborted(timeout), got %s(%s)", res.Phase, res.Reason)
	}
}

func TestOrchestrator_CodeTimeoutStopsScanOnce(t *testing.T) {
	cam := newFakeCamera()
	scanner := newFakeScanner()
	cfg := testConfig()
	cfg.CodeTimeout = 50 * time.Millisecond

	o := New(cfg, Deps{Camera: cam, Evaluator: detected("alice", 0.9), Scanner: scanner})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	scan := nextScan(t, scanner)

	res := waitResult(t, o)
	if res.Phase != PhaseAborted || res.Reason != ReasonTimeout {
		t.Fatalf("expected Aborted(timeout), got %s(%s)", res.Phase, res.Reason)
	}
	if res.Code != nil {
		t.Errorf("no code result expected, got %+v", res.Code)
	}

	time.Sleep(20 * time.Millisecond)
	if n := scan.stops.Load(); n != 1 {
		t.Errorf("expected exactly one Stop, got %d", n)
	}

	torch := cam.torchCalls()
	if len(torch) != 2 || !torch[0] || torch[1] {
		t.Errorf("expected torch on then off, got %v", torch)
	}
}

func TestOrchestrator_InvalidCodeCompletes(t *testing.T) {
	scanner := newFakeScanner()
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: detected("", 0), Scanner: scanner})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextScan(t, scanner).results <- code.Result{DecodedPayload: "SOMETHING_ELSE", IsValid: false}

	res := waitResult(t, o)
	if !res.Completed() {
		t.Fatalf("expected Complete, got %s(%s)", res.Phase, res.Reason)
	}
	if res.Code.IsValid {
		t.Error("payload must be reported invalid")
	}
	if res.Face == nil || res.Face.Matched() {
		t.Errorf("face must be detected without a match, got %+v", res.Face)
	}
}

func TestOrchestrator_RestartBeginsNewCycle(t *testing.T) {
	scanner := newFakeScanner()
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: detected("", 0), Scanner: scanner})
	defer o.Close()

	if err := o.Restart(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restart from idle must be rejected, got %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextScan(t, scanner).results <- code.Result{DecodedPayload: "VALID_QR_CODE_ID", IsValid: true}
	first := waitResult(t, o)

	if err := o.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, ok := o.Result(); ok {
		t.Error("restart must clear the previous result")
	}
	nextScan(t, scanner).results <- code.Result{DecodedPayload: "VALID_QR_CODE_ID", IsValid: true}
	second := waitResult(t, o)

	if !second.Completed() {
		t.Fatalf("expected Complete, got %s(%s)", second.Phase, second.Reason)
	}
	if second.ID == first.ID {
		t.Error("restart must begin a new checkpoint")
	}
}

func TestOrchestrator_ResetDuringSwitchRejected(t *testing.T) {
	cam := newFakeCamera()
	release := make(chan struct{})
	cam.block[capture.FacingEnvironment] = release
	scanner := newFakeScanner()

	o := New(testConfig(), Deps{Camera: cam, Evaluator: detected("", 0), Scanner: scanner})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitPhase(t, o, PhaseSwitchingCamera)

	if err := o.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if st := o.State(); st.Phase != PhaseSwitchingCamera {
		t.Fatalf("state must be unchanged, got %s", st.Phase)
	}

	if err := o.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if st := o.State(); st.Phase != PhaseAborted || st.Reason != ReasonUserCancelled {
		t.Fatalf("expected Aborted(user_cancelled), got %s(%s)", st.Phase, st.Reason)
	}
	if err := o.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reset must wait for the camera switch, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for cam.Switching() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if st := o.State(); st.Phase != PhaseAborted {
		t.Errorf("late switch result must be discarded, got %s", st.Phase)
	}
	if scanner.count() != 0 {
		t.Error("code scan must not start after abort")
	}
	if err := o.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st := o.State(); st.Phase != PhaseIdle || st.ID != "" {
		t.Errorf("expected a clean idle state, got %+v", st)
	}
	if _, ok := o.Result(); ok {
		t.Error("result must be cleared by reset")
	}
}

func TestOrchestrator_AbortStopsScan(t *testing.T) {
	scanner := newFakeScanner()
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: detected("", 0), Scanner: scanner})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	scan := nextScan(t, scanner)
	waitPhase(t, o, PhaseAwaitingCode)

	if err := o.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if n := scan.stops.Load(); n != 1 {
		t.Errorf("Abort must stop the scan before returning, got %d stops", n)
	}
	if err := o.Abort(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second abort must fail, got %v", err)
	}

	res := waitResult(t, o)
	if res.Reason != ReasonUserCancelled {
		t.Errorf("expected user_cancelled, got %s", res.Reason)
	}
}

// gatedScanner holds Start until gate is closed.
type gatedScanner struct {
	*fakeScanner
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedScanner) Start(feed capture.Feed, expected code.Expected) code.Scan {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.gate
	return s.fakeScanner.Start(feed, expected)
}

func TestOrchestrator_AbortWhileScanStarting(t *testing.T) {
	scanner := &gatedScanner{
		fakeScanner: newFakeScanner(),
		entered:     make(chan struct{}, 1),
		gate:        make(chan struct{}),
	}
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: detected("", 0), Scanner: scanner})
	defer o.Close()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-scanner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("code scan not starting")
	}

	aborted := make(chan error, 1)
	go func() { aborted <- o.Abort() }()
	time.Sleep(20 * time.Millisecond)
	close(scanner.gate)

	select {
	case err := <-aborted:
		if err != nil {
			t.Fatalf("abort: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not return")
	}
	scan := nextScan(t, scanner.fakeScanner)
	if n := scan.stops.Load(); n != 1 {
		t.Errorf("Abort must stop the scan before returning, got %d stops", n)
	}

	res := waitResult(t, o)
	if res.Phase != PhaseAborted || res.Reason != ReasonUserCancelled {
		t.Errorf("expected Aborted(user_cancelled), got %s(%s)", res.Phase, res.Reason)
	}
}

type deniedLocator struct{}

func (deniedLocator) CurrentPosition(context.Context, geo.Options) (geo.Sample, error) {
	return geo.Sample{}, geo.ErrPermissionDenied
}

func TestOrchestrator_LocationDeniedStillCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := geo.NewTracker(deniedLocator{}, geo.Options{HighAccuracy: true}, 5*time.Millisecond, zaptest.NewLogger(t))
	tracker.Start(ctx)
	<-tracker.Done()

	scanner := newFakeScanner()
	o := New(testConfig(), Deps{
		Camera:    newFakeCamera(),
		Evaluator: detected("alice", 0.9),
		Scanner:   scanner,
		Location:  tracker,
	})
	defer o.Close()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextScan(t, scanner).results <- code.Result{DecodedPayload: "VALID_QR_CODE_ID", IsValid: true}

	res := waitResult(t, o)
	if !res.Completed() {
		t.Fatalf("expected Complete, got %s(%s)", res.Phase, res.Reason)
	}
	if res.Location != nil {
		t.Errorf("expected no location, got %+v", res.Location)
	}
}

func TestOrchestrator_TriggerAndModelUnavailable(t *testing.T) {
	var calls atomic.Int32
	eval := evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
		if calls.Add(1) == 1 {
			return face.MatchResult{}, face.ErrModelUnavailable
		}
		return face.MatchResult{Detected: true}, nil
	})
	cfg := testConfig()
	cfg.FaceInterval = time.Hour
	cfg.SettleDelay = time.Hour

	o := New(cfg, Deps{Camera: newFakeCamera(), Evaluator: eval, Scanner: newFakeScanner()})
	defer o.Close()

	if err := o.Trigger(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("trigger while idle must fail, got %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second start must fail, got %v", err)
	}

	waitPhase(t, o, PhaseAwaitingFace)
	if err := o.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	st := o.State()
	if st.Phase != PhaseAwaitingFace || st.Error != "" {
		t.Fatalf("model-not-ready must be retried silently, got %+v", st)
	}

	if err := o.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitPhase(t, o, PhaseFaceDetected)
}

func TestOrchestrator_RequireMatch(t *testing.T) {
	var calls atomic.Int32
	eval := evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
		if calls.Add(1) < 3 {
			return face.MatchResult{Detected: true, Confidence: 0.3}, nil
		}
		return face.MatchResult{Detected: true, MatchedIdentity: "alice", Confidence: 0.7}, nil
	})
	cfg := testConfig()
	cfg.RequireMatch = true
	cfg.SettleDelay = time.Hour

	o := New(cfg, Deps{Camera: newFakeCamera(), Evaluator: eval, Scanner: newFakeScanner()})
	defer o.Close()

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitPhase(t, o, PhaseFaceDetected)
	if st.Face.MatchedIdentity != "alice" {
		t.Errorf("expected alice, got %+v", st.Face)
	}

	faceEvents := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventFace {
			faceEvents++
		}
	}
	if faceEvents != 2 {
		t.Errorf("expected 2 unmatched face events, got %d", faceEvents)
	}
}

func TestOrchestrator_ContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eval := evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
		return face.MatchResult{}, nil
	})
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: eval, Scanner: newFakeScanner()})
	defer o.Close()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitPhase(t, o, PhaseAwaitingFace)
	cancel()

	res := waitResult(t, o)
	if res.Reason != ReasonUserCancelled {
		t.Errorf("expected user_cancelled, got %s", res.Reason)
	}
}

func TestOrchestrator_ContextDeadlineTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	eval := evalFunc(func(context.Context, *capture.Snapshot, *face.ReferenceSet) (face.MatchResult, error) {
		return face.MatchResult{}, nil
	})
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: eval, Scanner: newFakeScanner()})
	defer o.Close()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := waitResult(t, o)
	if res.Phase != PhaseAborted || res.Reason != ReasonTimeout {
		t.Errorf("expected Aborted(timeout), got %s(%s)", res.Phase, res.Reason)
	}
}

func TestOrchestrator_NoActiveFeedIsAdvisory(t *testing.T) {
	cam := newFakeCamera()
	cam.dark = true
	o := New(testConfig(), Deps{Camera: cam, Evaluator: detected("", 0), Scanner: newFakeScanner()})
	defer o.Close()

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventError {
				continue
			}
			if ev.State.Phase != PhaseAwaitingFace {
				t.Fatalf("advisory error must not change phase, got %s", ev.State.Phase)
			}
			if ev.Message != capture.ErrNoActiveFeed.Error() {
				t.Errorf("unexpected message %q", ev.Message)
			}
			return
		case <-timeout:
			t.Fatal("expected an advisory error event")
		}
	}
}

func TestOrchestrator_CloseEndsSubscriptions(t *testing.T) {
	o := New(testConfig(), Deps{Camera: newFakeCamera(), Evaluator: detected("", 0), Scanner: newFakeScanner()})
	events, _ := o.Subscribe()

	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for range events {
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
