package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/capture"
)

// CameraControl is the camera access used by the HTTP API.
type CameraControl interface {
	capture.Feed
	Status() camera.Status
	SetTorch(enabled bool) error
}

// CameraHandler handles camera and snapshot endpoints.
type CameraHandler struct {
	camera  CameraControl
	surface *capture.Surface
}

// NewCameraHandler creates a camera handler.
func NewCameraHandler(cam CameraControl) *CameraHandler {
	return &CameraHandler{
		camera:  cam,
		surface: capture.NewSurface(cam),
	}
}

// Status returns the camera session status.
func (h *CameraHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.camera.Status())
}

// TorchRequest is the body of a torch request.
type TorchRequest struct {
	Enabled bool `json:"enabled"`
}

// TorchResponse reports whether the torch request took effect.
type TorchResponse struct {
	Applied   bool `json:"applied"`
	Supported bool `json:"supported"`
	Enabled   bool `json:"enabled"`
}

// Torch switches the torch of the live camera. An unsupported torch is not an error.
func (h *CameraHandler) Torch(w http.ResponseWriter, r *http.Request) {
	var req TorchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	err := h.camera.SetTorch(req.Enabled)
	switch {
	case errors.Is(err, camera.ErrTorchUnsupported):
		respondJSON(w, http.StatusOK, TorchResponse{})
	case errors.Is(err, camera.ErrNoSession):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, TorchResponse{Applied: true, Supported: true, Enabled: req.Enabled})
	}
}

// Snapshot returns the current frame as a PNG image.
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.surface.Capture()
	if err != nil {
		if errors.Is(err, capture.ErrNoActiveFeed) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", snap.MIMEType())
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Camera-Facing", string(snap.SourceFacing))
	w.WriteHeader(http.StatusOK)
	w.Write(snap.Data)
}
