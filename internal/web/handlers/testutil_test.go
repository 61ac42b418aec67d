package handlers

import (
	"context"
	"encoding/json"
	"image"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/checkpoint"
	"github.com/kozaktomas/checkpoint/internal/geo"
)

// mockFlow is a scripted Flow.
type mockFlow struct {
	mu       sync.Mutex
	state    checkpoint.State
	result   *checkpoint.Result
	startErr error
	resetErr error
	abortErr error
	trigErr  error
	starts   int
	resets   int
	startCtx context.Context
	events   chan checkpoint.Event
	unsubbed bool
}

func newMockFlow() *mockFlow {
	return &mockFlow{
		state:  checkpoint.State{Phase: checkpoint.PhaseIdle},
		events: make(chan checkpoint.Event, 8),
	}
}

func (f *mockFlow) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.startCtx = ctx
	if f.startErr != nil {
		return f.startErr
	}
	f.state = checkpoint.State{ID: "flow-1", Phase: checkpoint.PhaseAwaitingFace}
	return nil
}

func (f *mockFlow) Trigger() error { return f.trigErr }

func (f *mockFlow) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortErr != nil {
		return f.abortErr
	}
	f.state.Phase = checkpoint.PhaseAborted
	f.state.Reason = checkpoint.ReasonUserCancelled
	return nil
}

func (f *mockFlow) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if f.resetErr != nil {
		return f.resetErr
	}
	f.state = checkpoint.State{Phase: checkpoint.PhaseIdle}
	f.result = nil
	return nil
}

func (f *mockFlow) Restart(ctx context.Context) error {
	if err := f.Reset(); err != nil {
		return err
	}
	return f.Start(ctx)
}

func (f *mockFlow) State() checkpoint.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *mockFlow) Result() (checkpoint.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return checkpoint.Result{}, false
	}
	return *f.result, true
}

func (f *mockFlow) Subscribe() (<-chan checkpoint.Event, func()) {
	return f.events, func() {
		f.mu.Lock()
		f.unsubbed = true
		f.mu.Unlock()
	}
}

// mockCamera is a scripted CameraControl.
type mockCamera struct {
	status   camera.Status
	frame    capture.Frame
	frameErr error
	torchErr error
	torch    []bool
}

func (c *mockCamera) CurrentFrame() (capture.Frame, error) { return c.frame, c.frameErr }
func (c *mockCamera) Status() camera.Status                { return c.status }

func (c *mockCamera) SetTorch(enabled bool) error {
	c.torch = append(c.torch, enabled)
	return c.torchErr
}

type mockLocation struct {
	sample *geo.Sample
	reason string
	events []geo.Event
}

func (l mockLocation) Latest() *geo.Sample { return l.sample }

func (l mockLocation) Unavailable() (string, bool) { return l.reason, l.reason != "" }

// Subscribe replays the scripted events and closes the channel.
func (l mockLocation) Subscribe() (<-chan geo.Event, func()) {
	ch := make(chan geo.Event, len(l.events))
	for _, ev := range l.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}
}

func testFrame() capture.Frame {
	return capture.Frame{Image: image.NewGray(image.Rect(0, 0, 20, 10)), Facing: capture.FacingUser, Seq: 1}
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
