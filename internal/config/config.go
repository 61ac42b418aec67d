package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Camera     CameraConfig     `yaml:"camera"`
	Face       FaceConfig       `yaml:"face"`
	Code       CodeConfig       `yaml:"code"`
	Geo        GeoConfig        `yaml:"geo"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	References ReferencesConfig `yaml:"references"`
	NATS       NATSConfig       `yaml:"nats"`
	Web        WebConfig        `yaml:"web"`
	Log        LogConfig        `yaml:"log"`
}

type CameraConfig struct {
	Source            string        `yaml:"source"` // ffmpeg or still
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	InputFormat       string        `yaml:"input_format"` // ffmpeg -f value (v4l2, avfoundation, dshow)
	UserDevice        string        `yaml:"user_device"`
	EnvironmentDevice string        `yaml:"environment_device"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	FrameRate         int           `yaml:"frame_rate"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
}

type FaceConfig struct {
	ServiceURL        string        `yaml:"service_url"` // embedding server with /embed/face
	ModelURL          string        `yaml:"model_url"`   // readiness probe for the model assets
	Threshold         float64       `yaml:"threshold"`
	RequireMatch      bool          `yaml:"require_match"`
	HNSWMinReferences int           `yaml:"hnsw_min_references"`
	LoadAttempts      int           `yaml:"load_attempts"`
	LoadInterval      time.Duration `yaml:"load_interval"`
	MaxImageSize      int           `yaml:"max_image_size"`
}

type CodeConfig struct {
	Expected     []string      `yaml:"expected"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

type GeoConfig struct {
	Provider     string        `yaml:"provider"` // none, static or http
	URL          string        `yaml:"url"`
	Latitude     float64       `yaml:"latitude"`
	Longitude    float64       `yaml:"longitude"`
	Accuracy     float64       `yaml:"accuracy"`
	HighAccuracy bool          `yaml:"high_accuracy"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type CheckpointConfig struct {
	FaceFacing    string        `yaml:"face_facing"`
	CodeFacing    string        `yaml:"code_facing"`
	FaceInterval  time.Duration `yaml:"face_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	SwitchTimeout time.Duration `yaml:"switch_timeout"`
	CodeTimeout   time.Duration `yaml:"code_timeout"`
	TorchOnScan   bool          `yaml:"torch_on_scan"`
}

type ReferencesConfig struct {
	Source   string         `yaml:"source"` // file, postgres or mysql
	Path     string         `yaml:"path"`
	Database DatabaseConfig `yaml:"database"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`   // PostgreSQL URL or MySQL DSN, depending on the source
	Table        string `yaml:"table"` // read-only table holding reference embeddings
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables result publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float64, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration accepts Go duration strings ("750ms") or plain milliseconds ("15000").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated list, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// Defaults returns the configuration embedded in defaults.yaml without any environment overrides.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

func Load() *Config {
	cfg := Defaults()

	cam := &cfg.Camera
	cam.Source = envString("CAMERA_SOURCE", cam.Source)
	cam.FFmpegPath = envString("FFMPEG_PATH", cam.FFmpegPath)
	cam.InputFormat = envString("CAMERA_INPUT_FORMAT", cam.InputFormat)
	cam.UserDevice = envString("CAMERA_USER_DEVICE", cam.UserDevice)
	cam.EnvironmentDevice = envString("CAMERA_ENVIRONMENT_DEVICE", cam.EnvironmentDevice)
	cam.Width = envInt("CAMERA_WIDTH", cam.Width)
	cam.Height = envInt("CAMERA_HEIGHT", cam.Height)
	cam.FrameRate = envInt("CAMERA_FRAME_RATE", cam.FrameRate)
	cam.ReadyTimeout = envDuration("CAMERA_READY_TIMEOUT", cam.ReadyTimeout)

	face := &cfg.Face
	face.ServiceURL = envString("EMBEDDING_URL", face.ServiceURL)
	face.ModelURL = envString("FACE_MODEL_URL", face.ModelURL)
	face.Threshold = envFloat("FACE_MATCH_THRESHOLD", face.Threshold)
	face.RequireMatch = envBool("FACE_REQUIRE_MATCH", face.RequireMatch)
	face.HNSWMinReferences = envInt("FACE_HNSW_MIN_REFERENCES", face.HNSWMinReferences)
	face.LoadAttempts = envInt("FACE_MODEL_LOAD_ATTEMPTS", face.LoadAttempts)
	face.LoadInterval = envDuration("FACE_MODEL_LOAD_INTERVAL", face.LoadInterval)
	face.MaxImageSize = envInt("FACE_MAX_IMAGE_SIZE", face.MaxImageSize)

	cfg.Code.Expected = envList("CODE_EXPECTED", cfg.Code.Expected)
	cfg.Code.ScanInterval = envDuration("CODE_SCAN_INTERVAL", cfg.Code.ScanInterval)

	geo := &cfg.Geo
	geo.Provider = envString("GEO_PROVIDER", geo.Provider)
	geo.URL = envString("GEO_URL", geo.URL)
	geo.Latitude = envFloat("GEO_LATITUDE", geo.Latitude)
	geo.Longitude = envFloat("GEO_LONGITUDE", geo.Longitude)
	geo.Accuracy = envFloat("GEO_ACCURACY", geo.Accuracy)
	geo.HighAccuracy = envBool("GEO_HIGH_ACCURACY", geo.HighAccuracy)
	geo.Interval = envDuration("GEO_INTERVAL", geo.Interval)
	geo.Timeout = envDuration("GEO_TIMEOUT", geo.Timeout)
	geo.MaxAge = envDuration("GEO_MAX_AGE", geo.MaxAge)

	cp := &cfg.Checkpoint
	cp.FaceFacing = envString("CHECKPOINT_FACE_FACING", cp.FaceFacing)
	cp.CodeFacing = envString("CHECKPOINT_CODE_FACING", cp.CodeFacing)
	cp.FaceInterval = envDuration("CHECKPOINT_FACE_INTERVAL", cp.FaceInterval)
	cp.SettleDelay = envDuration("CHECKPOINT_SETTLE_DELAY", cp.SettleDelay)
	cp.SwitchTimeout = envDuration("CHECKPOINT_SWITCH_TIMEOUT", cp.SwitchTimeout)
	cp.CodeTimeout = envDuration("CHECKPOINT_CODE_TIMEOUT", cp.CodeTimeout)
	cp.TorchOnScan = envBool("CHECKPOINT_TORCH_ON_SCAN", cp.TorchOnScan)

	refs := &cfg.References
	refs.Source = envString("REFERENCES_SOURCE", refs.Source)
	refs.Path = envString("REFERENCES_PATH", refs.Path)
	refs.Database.URL = envString("DATABASE_URL", refs.Database.URL)
	refs.Database.Table = envString("REFERENCES_TABLE", refs.Database.Table)
	refs.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", refs.Database.MaxOpenConns)
	refs.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", refs.Database.MaxIdleConns)

	cfg.NATS.URL = envString("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = envString("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.AllowedOrigins = envList("WEB_ALLOWED_ORIGINS", cfg.Web.AllowedOrigins)

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSON = envBool("LOG_JSON", cfg.Log.JSON)

	return cfg
}

// Validate reports settings the checkpoint cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Face.Threshold <= 0 || c.Face.Threshold > 1 {
		errs = append(errs, fmt.Errorf("face match threshold must be in (0,1], got %v", c.Face.Threshold))
	}
	if len(c.Code.Expected) == 0 {
		errs = append(errs, errors.New("at least one expected code is required"))
	}
	if c.Checkpoint.FaceFacing == c.Checkpoint.CodeFacing {
		errs = append(errs, fmt.Errorf("face and code facing must differ, both are %q", c.Checkpoint.FaceFacing))
	}
	durations := map[string]time.Duration{
		"camera ready timeout":      c.Camera.ReadyTimeout,
		"code scan interval":        c.Code.ScanInterval,
		"checkpoint face interval":  c.Checkpoint.FaceInterval,
		"checkpoint switch timeout": c.Checkpoint.SwitchTimeout,
		"checkpoint code timeout":   c.Checkpoint.CodeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	// A camera that never delivers a frame must fail on the ready timeout,
	// not on the switch deadline.
	if c.Camera.ReadyTimeout >= c.Checkpoint.SwitchTimeout {
		errs = append(errs, fmt.Errorf("camera ready timeout (%s) must be shorter than checkpoint switch timeout (%s)",
			c.Camera.ReadyTimeout, c.Checkpoint.SwitchTimeout))
	}
	return errors.Join(errs...)
}
