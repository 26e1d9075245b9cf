// Package config loads the layered process configuration: built-in defaults,
// an optional config file, RPI2VEX_* environment variables and command-line
// flags, in increasing priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/camera"
	"github.com/oomwoo/raspberry-pi/internal/host"
	"github.com/oomwoo/raspberry-pi/internal/link"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/recording"
	"github.com/oomwoo/raspberry-pi/internal/serialmux"
)

// EnvPrefix namespaces environment overrides, e.g. RPI2VEX_SERIAL_BOARD.
const EnvPrefix = "RPI2VEX"

// maxFileSize caps config files.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// Boards maps the supported Raspberry Pi generations to their UART device.
var Boards = map[int]string{
	2: "/dev/ttyAMA0",
	3: "/dev/ttyS0",
}

type Config struct {
	Serial    SerialConfig     `mapstructure:"serial"`
	Camera    CameraConfig     `mapstructure:"camera"`
	Recording recording.Config `mapstructure:"recording"`
	Inference InferenceConfig  `mapstructure:"inference"`
	Journal   JournalConfig    `mapstructure:"journal"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Log       LogConfig        `mapstructure:"log"`
	Dev       DevConfig        `mapstructure:"dev"`
	// Shutdown powers the board off after a link-terminate command.
	Shutdown        bool   `mapstructure:"shutdown"`
	ShutdownCommand string `mapstructure:"shutdown_command"`
}

type SerialConfig struct {
	serialmux.PortOptions `mapstructure:",squash"`
	// Board selects the UART when TTY is empty.
	Board       int           `mapstructure:"board"`
	TTY         string        `mapstructure:"tty"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Device resolves the serial device path.
func (s SerialConfig) Device() (string, error) {
	if s.TTY != "" {
		return s.TTY, nil
	}
	tty, ok := Boards[s.Board]
	if !ok {
		return "", fmt.Errorf("unsupported board %d: expected 2 or 3, or set serial.tty", s.Board)
	}
	return tty, nil
}

type CameraConfig struct {
	camera.Settings `mapstructure:",squash"`
	VideoBinary     string `mapstructure:"video_binary"`
	StillBinary     string `mapstructure:"still_binary"`
	// LEDPath is the recording indicator; empty disables it.
	LEDPath string `mapstructure:"led_path"`
}

type InferenceConfig struct {
	autonomy.Config `mapstructure:",squash"`
	// Model is the classifier parameter file. Empty means a constant
	// classifier driving Constant, useful for bench tests.
	Model    string `mapstructure:"model"`
	Constant string `mapstructure:"constant"`
}

type JournalConfig struct {
	// Path of the sqlite journal; empty disables journaling.
	Path string `mapstructure:"path"`
}

type AdminConfig struct {
	// Listen is the debug HTTP address; empty disables the admin surface.
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Debug      bool   `mapstructure:"debug"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// FileConfig converts to the rotating writer settings.
func (l LogConfig) FileConfig() monitoring.FileConfig {
	return monitoring.FileConfig{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

type DevConfig struct {
	// Enabled swaps the UART, camera and classifier for in-process fakes.
	Enabled bool `mapstructure:"enabled"`
	// Fixture is a file of link lines replayed as inbound traffic.
	Fixture  string        `mapstructure:"fixture"`
	Interval time.Duration `mapstructure:"interval"`
}

// defaults mirror the settings the robot was trained with.
var defaults = map[string]any{
	"serial.baud_rate":    serialmux.DefaultBaudRate,
	"serial.data_bits":    8,
	"serial.stop_bits":    1,
	"serial.parity":       "N",
	"serial.board":        2,
	"serial.tty":          "",
	"serial.read_timeout": 3 * time.Second,

	"camera.width":        160,
	"camera.height":       120,
	"camera.framerate":    90,
	"camera.iso":          0,
	"camera.bitrate":      0,
	"camera.hflip":        false,
	"camera.vflip":        false,
	"camera.video_binary": camera.DefaultVideoBinary,
	"camera.still_binary": camera.DefaultStillBinary,
	"camera.led_path":     camera.DefaultLEDPath,

	"recording.dir":       ".",
	"recording.prefix":    "rec",
	"recording.video_ext": ".h264",
	"recording.log_ext":   ".txt",
	"recording.quality":   23,

	"inference.model":             "",
	"inference.constant":          "forward",
	"inference.debug_dir":         "",
	"inference.slow_join_warning": autonomy.DefaultSlowJoinWarning,
	"inference.error_backoff":     autonomy.DefaultErrorBackoff,

	"journal.path": "",
	"admin.listen": "",

	"log.debug":        false,
	"log.file":         "",
	"log.max_size_mb":  monitoring.DefaultMaxSizeMB,
	"log.max_backups":  monitoring.DefaultMaxBackups,
	"log.max_age_days": monitoring.DefaultMaxAgeDays,
	"log.compress":     false,

	"dev.enabled":  false,
	"dev.fixture":  "",
	"dev.interval": 200 * time.Millisecond,

	"shutdown":         false,
	"shutdown_command": host.DefaultShutdownCommand,
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers bind flags on it before Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v, decodes and validates
// the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return fmt.Errorf("config file must be .json, .yaml or .toml, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v.SetConfigFile(cleanPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, err := c.Serial.PortOptions.Normalise(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Serial.ReadTimeout <= 0 {
		return fmt.Errorf("serial.read_timeout must be positive, got %s", c.Serial.ReadTimeout)
	}
	if _, err := c.Serial.Device(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	if err := c.Camera.Settings.Validate(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if c.Recording.Prefix == "" {
		return fmt.Errorf("recording.prefix must not be empty")
	}
	if strings.ContainsRune(c.Recording.Prefix, filepath.Separator) {
		return fmt.Errorf("recording.prefix %q must not contain a path separator", c.Recording.Prefix)
	}
	if c.Recording.Quality < 1 || c.Recording.Quality > 40 {
		return fmt.Errorf("recording.quality must be between 1 and 40, got %d", c.Recording.Quality)
	}
	if c.Recording.VideoExt == c.Recording.LogExt {
		return fmt.Errorf("recording video and log extensions must differ, both %q", c.Recording.VideoExt)
	}

	if c.Inference.Model == "" {
		if _, err := link.ParseLabel(c.Inference.Constant); err != nil {
			return fmt.Errorf("inference.constant: %w", err)
		}
	}
	if c.Inference.SlowJoinWarning < 0 || c.Inference.ErrorBackoff < 0 {
		return fmt.Errorf("inference timings must not be negative")
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must not be negative")
	}

	if c.Dev.Enabled && c.Dev.Interval < 0 {
		return fmt.Errorf("dev.interval must not be negative, got %s", c.Dev.Interval)
	}
	return nil
}
