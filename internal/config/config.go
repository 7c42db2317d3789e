package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	ModelPath     string
	ScorerBackend string
	ModelLayout   string
	ORTLibrary    string
	InputName     string
	OutputName    string
	InputSize     int

	Detector      string
	DetectorModel string
	Confidence    float64
	MinFaceSize   int

	BufferSize  int
	FrameCap    int
	GracePeriod time.Duration

	OutputFPS   float64
	OutputCodec string
	Transcode   bool
	VideoDir    string

	DBDriver string
	DBDSN    string

	HTTPAddr              string
	MaxConcurrentSessions int
	MaxUploadMB           int

	LogLevel string
	LogFile  string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	return &Config{
		ModelPath:     getEnv("FATIGUE_MODEL_PATH", "models/fatigue_model.onnx"),
		ScorerBackend: getEnv("SCORER_BACKEND", "opencv"),
		ModelLayout:   getEnv("MODEL_LAYOUT", "nhwc"),
		ORTLibrary:    getEnv("ORT_LIBRARY_PATH", "libonnxruntime.so"),
		InputName:     getEnv("MODEL_INPUT_NAME", "input"),
		OutputName:    getEnv("MODEL_OUTPUT_NAME", "output"),
		InputSize:     getEnvInt("MODEL_INPUT_SIZE", 48),

		Detector:      getEnv("DETECTOR", "yunet"),
		DetectorModel: getEnv("DETECTOR_MODEL_PATH", "models/face_detection_yunet_2023mar.onnx"),
		Confidence:    getEnvFloat("DETECTION_CONFIDENCE", 0.6),
		MinFaceSize:   getEnvInt("MIN_FACE_SIZE", 12),

		BufferSize:  getEnvInt("BUFFER_SIZE", 15),
		FrameCap:    getEnvInt("FRAME_CAP", 300),
		GracePeriod: getEnvDuration("GRACE_PERIOD", 2*time.Second),

		OutputFPS:   getEnvFloat("OUTPUT_FPS", 30),
		OutputCodec: getEnv("OUTPUT_CODEC", "mp4v"),
		Transcode:   getEnvBool("TRANSCODE_OUTPUT", false),
		VideoDir:    getEnv("VIDEO_DIR", "data/video"),

		DBDriver: getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:    getEnv("DB_DSN", "database/fatigue.db"),

		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 2),
		MaxUploadMB:           getEnvInt("MAX_UPLOAD_MB", 200),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}

// Validate checks ranges and enumerations after flags have been applied.
func (c *Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	switch c.ScorerBackend {
	case "opencv", "onnxruntime":
	default:
		errs = append(errs, fmt.Errorf("scorer backend %q must be opencv or onnxruntime", c.ScorerBackend))
	}
	switch c.ModelLayout {
	case "nhwc", "nchw":
	default:
		errs = append(errs, fmt.Errorf("model layout %q must be nhwc or nchw", c.ModelLayout))
	}
	switch c.Detector {
	case "yunet", "haar", "pigo":
	default:
		errs = append(errs, fmt.Errorf("detector %q must be yunet, haar or pigo", c.Detector))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("detection confidence %v out of [0,1]", c.Confidence))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer size %d must be positive", c.BufferSize))
	}
	if c.InputSize < 1 {
		errs = append(errs, fmt.Errorf("model input size %d must be positive", c.InputSize))
	}
	if c.MinFaceSize < 1 {
		errs = append(errs, fmt.Errorf("min face size %d must be positive", c.MinFaceSize))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period %v is negative", c.GracePeriod))
	}
	if c.MaxConcurrentSessions < 1 {
		errs = append(errs, fmt.Errorf("max concurrent sessions %d must be positive", c.MaxConcurrentSessions))
	}
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("db driver %q must be sqlite3 or pgx", c.DBDriver))
	}
	return multierr.Combine(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("2s", "1500ms") or plain seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}
