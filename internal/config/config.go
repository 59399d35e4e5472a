package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	SourcePattern = "pattern"
	SourceDir     = "dir"
	SourceFFmpeg  = "ffmpeg"
)

type Config struct {
	AnalyzerEndpoint string
	CaptureInterval  time.Duration
	ConnectTimeout   time.Duration
	MaxMessageSizeMB int

	JPEGQuality int
	AlertToken  string
	AlarmSound  string
	AlarmPlayer string

	FrameSource  string
	FrameDir     string
	FrameWidth   int
	FrameHeight  int
	CameraDevice string
	WarmupFrames int

	HTTPPort int
	DriverID int

	LogLevel    string
	Environment string
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func (c *Config) MaxMessageSize() int64 {
	return int64(c.MaxMessageSizeMB) * 1024 * 1024
}

func (c *Config) Validate() error {
	if c.AnalyzerEndpoint == "" {
		return errors.New("analyzer endpoint is required")
	}
	if c.CaptureInterval <= 0 {
		return errors.Errorf("capture interval must be positive, got %v", c.CaptureInterval)
	}
	if c.ConnectTimeout < 0 {
		return errors.Errorf("connect timeout must not be negative, got %v", c.ConnectTimeout)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return errors.Errorf("jpeg quality must be within 1-100, got %d", c.JPEGQuality)
	}
	if c.DriverID < 0 {
		return errors.Errorf("driver id must not be negative, got %d", c.DriverID)
	}
	switch c.FrameSource {
	case SourcePattern, SourceFFmpeg:
	case SourceDir:
		if c.FrameDir == "" {
			return errors.New("frame source \"dir\" requires FRAME_DIR")
		}
	default:
		return errors.Errorf("unknown frame source %q", c.FrameSource)
	}
	return nil
}

// defaults is keyed by the environment variable name; viper keys are the
// lower-cased variants so flags and yaml use the same spelling.
var defaults = map[string]any{
	"ANALYZER_ENDPOINT":   "ws://localhost:8000/ws/fatigue",
	"CAPTURE_INTERVAL_MS": 2000,
	"CONNECT_TIMEOUT_MS":  0,
	"MAX_MESSAGE_SIZE_MB": 10,
	"JPEG_QUALITY":        80,
	"ALERT_TOKEN":         "drowsy",
	"ALARM_SOUND":         "",
	"ALARM_PLAYER":        "aplay",
	"FRAME_SOURCE":        SourcePattern,
	"FRAME_DIR":           "",
	"FRAME_WIDTH":         640,
	"FRAME_HEIGHT":        480,
	"CAMERA_DEVICE":       "/dev/video0",
	"WARMUP_FRAMES":       1,
	"HTTP_PORT":           8090,
	"DRIVER_ID":           0,
	"LOG_LEVEL":           "INFO",
	"ENVIRONMENT":         "production",
}

// New returns a viper instance with defaults, environment bindings and the
// optional fatigue.yaml config file applied.
func New() (*viper.Viper, error) {
	v := viper.New()
	for env, def := range defaults {
		key := strings.ToLower(env)
		v.SetDefault(key, def)
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", env)
		}
	}

	v.SetConfigName("fatigue")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.fatigue-monitor")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}
	return v, nil
}

// BindFlags maps cobra flags onto config keys. Flag names use dashes,
// config keys use underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := defaults[strings.ToUpper(key)]; !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = errors.Wrapf(err, "bind flag %s", f.Name)
		}
	})
	return bindErr
}

func FromViper(v *viper.Viper) *Config {
	return &Config{
		AnalyzerEndpoint: v.GetString("analyzer_endpoint"),
		CaptureInterval:  time.Duration(v.GetInt("capture_interval_ms")) * time.Millisecond,
		ConnectTimeout:   time.Duration(v.GetInt("connect_timeout_ms")) * time.Millisecond,
		MaxMessageSizeMB: v.GetInt("max_message_size_mb"),
		JPEGQuality:      v.GetInt("jpeg_quality"),
		AlertToken:       v.GetString("alert_token"),
		AlarmSound:       v.GetString("alarm_sound"),
		AlarmPlayer:      v.GetString("alarm_player"),
		FrameSource:      strings.ToLower(v.GetString("frame_source")),
		FrameDir:         v.GetString("frame_dir"),
		FrameWidth:       v.GetInt("frame_width"),
		FrameHeight:      v.GetInt("frame_height"),
		CameraDevice:     v.GetString("camera_device"),
		WarmupFrames:     v.GetInt("warmup_frames"),
		HTTPPort:         v.GetInt("http_port"),
		DriverID:         v.GetInt("driver_id"),
		LogLevel:         v.GetString("log_level"),
		Environment:      v.GetString("environment"),
	}
}

// LoadConfig reads .env (if present), the environment, the optional config
// file and, when flags is non-nil, the command-line flags.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	// .env is optional, system environment wins either way
	_ = godotenv.Load()

	v, err := New()
	if err != nil {
		return nil, err
	}
	if flags != nil {
		if err := BindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}
