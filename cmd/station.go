package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/checkpoint"
	"github.com/kozaktomas/checkpoint/internal/code"
	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/geo"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"github.com/kozaktomas/checkpoint/internal/messaging"
	"github.com/kozaktomas/checkpoint/internal/reference"
	"go.uber.org/zap"
)

// loadConfig loads the configuration, applies flag overrides, validates it,
// and builds the logger.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// newCameraSource returns the media source selected by CAMERA_SOURCE.
func newCameraSource(cfg *config.CameraConfig, log *zap.Logger) (camera.MediaSource, error) {
	devices := map[capture.Facing]string{
		capture.FacingUser:        cfg.UserDevice,
		capture.FacingEnvironment: cfg.EnvironmentDevice,
	}
	switch cfg.Source {
	case "", "ffmpeg":
		return &camera.FFmpegSource{
			Path:        cfg.FFmpegPath,
			InputFormat: cfg.InputFormat,
			Devices:     devices,
			Width:       cfg.Width,
			Height:      cfg.Height,
			FrameRate:   cfg.FrameRate,
			Log:         log,
		}, nil
	case "still":
		return &camera.StillSource{Paths: devices}, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}

// newLocator returns the locator selected by GEO_PROVIDER.
func newLocator(cfg *config.GeoConfig) (geo.Locator, error) {
	switch cfg.Provider {
	case "", "none":
		return geo.UnsupportedLocator{}, nil
	case "static":
		return geo.StaticLocator{Latitude: cfg.Latitude, Longitude: cfg.Longitude, Accuracy: cfg.Accuracy}, nil
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("GEO_URL is required for the http provider")
		}
		return geo.NewHTTPLocator(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown location provider %q", cfg.Provider)
	}
}

// loadReferences reads the reference set. A failure leaves the station
// running with an empty set, so presence checks still work.
func loadReferences(ctx context.Context, cfg *config.Config, log *zap.Logger) *face.ReferenceSet {
	src, err := reference.Open(cfg.References)
	if err != nil {
		log.Warn("reference source unavailable", zap.Error(err))
		return face.NewReferenceSet(nil, 0)
	}
	defer src.Close()

	refs, err := reference.LoadSet(ctx, src, cfg.Face.HNSWMinReferences)
	if err != nil {
		log.Warn("failed to load references", zap.Error(err))
		return face.NewReferenceSet(nil, 0)
	}
	log.Info("references loaded",
		zap.Int("references", refs.Len()),
		zap.Int("identities", len(refs.Identities())),
		zap.Bool("indexed", refs.Indexed()))
	return refs
}

// station holds the long-lived components of one checkpoint station.
type station struct {
	director  *camera.Director
	tracker   *geo.Tracker
	model     *face.Loader
	publisher *messaging.NATSPublisher
	flow      *checkpoint.Orchestrator
	log       *zap.Logger
}

// newStation wires every component and starts the background model loader and
// location tracker. Both stop when ctx is cancelled.
func newStation(ctx context.Context, cfg *config.Config, log *zap.Logger) (*station, error) {
	flowCfg, err := checkpoint.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	source, err := newCameraSource(&cfg.Camera, log)
	if err != nil {
		return nil, err
	}
	locator, err := newLocator(&cfg.Geo)
	if err != nil {
		return nil, err
	}

	s := &station{log: log}
	s.director = camera.NewDirector(source, cfg.Camera.ReadyTimeout, log)

	s.tracker = geo.NewTracker(locator, geo.Options{
		HighAccuracy: cfg.Geo.HighAccuracy,
		Timeout:      cfg.Geo.Timeout,
		MaxAge:       cfg.Geo.MaxAge,
	}, cfg.Geo.Interval, log)
	s.tracker.Start(ctx)

	client := face.NewEmbeddingClient(cfg.Face.ServiceURL)
	s.model = face.NewLoader(client, cfg.Face.ModelURL, cfg.Face.LoadAttempts, cfg.Face.LoadInterval, log)
	s.model.Load(ctx)

	deps := checkpoint.Deps{
		Camera:     s.director,
		Evaluator:  face.NewEvaluator(s.model, cfg.Face.Threshold, cfg.Face.MaxImageSize, log),
		Scanner:    code.NewValidator(code.NewQRDecoder(true), cfg.Code.ScanInterval, log),
		References: loadReferences(ctx, cfg, log),
		Location:   s.tracker,
		Log:        log,
	}

	if cfg.NATS.URL != "" {
		s.publisher, err = messaging.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn("result publishing disabled", zap.Error(err))
		} else {
			deps.Publisher = s.publisher
		}
	}

	s.flow = checkpoint.New(flowCfg, deps)
	return s, nil
}

// Close ends the flow and releases the camera and the NATS connection.
func (s *station) Close(ctx context.Context) {
	if err := s.flow.Close(); err != nil {
		s.log.Warn("failed to close checkpoint", zap.Error(err))
	}
	if err := s.director.Stop(ctx); err != nil {
		s.log.Warn("failed to release camera", zap.Error(err))
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
}
