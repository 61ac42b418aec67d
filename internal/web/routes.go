package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/checkpoint/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	// Create handlers
	checkpointHandler := handlers.NewCheckpointHandler(s.deps.FlowContext, s.deps.Flow, s.deps.Log)
	cameraHandler := handlers.NewCameraHandler(s.deps.Camera)
	locationHandler := handlers.NewLocationHandler(s.deps.Location)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)

		// Checkpoint flow
		r.Get("/checkpoint", checkpointHandler.Get)
		r.Post("/checkpoint", checkpointHandler.Start)
		r.Post("/checkpoint/trigger", checkpointHandler.Trigger)
		r.Post("/checkpoint/abort", checkpointHandler.Abort)
		r.Get("/checkpoint/result", checkpointHandler.Result)
		r.Get("/checkpoint/events", checkpointHandler.Events)

		// Camera
		r.Get("/camera", cameraHandler.Status)
		r.Post("/camera/torch", cameraHandler.Torch)
		r.Get("/snapshot", cameraHandler.Snapshot)

		// Location
		r.Get("/location", locationHandler.Get)
		r.Get("/location/events", locationHandler.Events)
	})
}
