package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/kozaktomas/checkpoint/internal/checkpoint"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// Flow is the checkpoint control used by the HTTP API.
type Flow interface {
	Start(ctx context.Context) error
	Trigger() error
	Abort() error
	Reset() error
	Restart(ctx context.Context) error
	State() checkpoint.State
	Result() (checkpoint.Result, bool)
	Subscribe() (<-chan checkpoint.Event, func())
}

// CheckpointHandler handles checkpoint endpoints.
type CheckpointHandler struct {
	flow    Flow
	flowCtx context.Context
	log     *zap.Logger
}

// NewCheckpointHandler creates a checkpoint handler. Flows started over HTTP
// run under ctx, not under the request context.
func NewCheckpointHandler(ctx context.Context, flow Flow, log *zap.Logger) *CheckpointHandler {
	return &CheckpointHandler{
		flow:    flow,
		flowCtx: ctx,
		log:     logger.OrNop(log).Named("web"),
	}
}

// Get returns the current checkpoint state.
func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.flow.State())
}

// Start starts a new flow. A finished flow is restarted.
func (h *CheckpointHandler) Start(w http.ResponseWriter, r *http.Request) {
	start := h.flow.Start
	if h.flow.State().Phase.Terminal() {
		start = h.flow.Restart
	}
	if err := start(h.flowCtx); err != nil {
		h.respondFlowError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.flow.State())
}

// Trigger requests an immediate face evaluation.
func (h *CheckpointHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Trigger(); err != nil {
		h.respondFlowError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.flow.State())
}

// Abort cancels the running flow.
func (h *CheckpointHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Abort(); err != nil {
		h.respondFlowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.flow.State())
}

// Result returns the terminal result of the current flow.
func (h *CheckpointHandler) Result(w http.ResponseWriter, r *http.Request) {
	res, ok := h.flow.Result()
	if !ok {
		respondError(w, http.StatusNotFound, "checkpoint not finished")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Events streams checkpoint events until the client disconnects.
func (h *CheckpointHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := h.flow.Subscribe()
	defer unsubscribe()

	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	sendSSEEvent(w, flusher, "status", h.flow.State())

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

func (h *CheckpointHandler) respondFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkpoint.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("checkpoint request failed", zap.String("error", sanitizeForLog(err.Error())))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
