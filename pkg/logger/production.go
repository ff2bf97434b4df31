package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Profile names accepted by ConfigForProfile
const (
	ProfileBalanced    = "balanced"
	ProfileDebug       = "debug"
	ProfilePerformance = "performance"
)

// Config provides optimized logging configuration
type Config struct {
	// Performance settings
	DisableCaller     bool // Disable caller information for performance
	DisableStacktrace bool // Disable stacktraces for performance
	SamplingEnabled   bool // Enable sampling to reduce log volume

	// Sampling configuration
	SamplingInitial    int // Initial sampling rate
	SamplingThereafter int // Subsequent sampling rate

	// Async settings
	EnableAsync   bool          // Buffer writes and flush them in the background
	BufferSize    int           // Buffer size in KiB
	FlushInterval time.Duration // Background flush interval

	// Output settings
	OutputPaths      []string // Output file paths
	ErrorOutputPaths []string // Error output file paths

	// Level settings
	Level zapcore.Level // Minimum log level
}

// NewLogger creates a logger writing JSON records to the configured outputs
func NewLogger(config Config) (*zap.Logger, error) {
	// Set defaults
	if config.SamplingInitial == 0 {
		config.SamplingInitial = 100
	}
	if config.SamplingThereafter == 0 {
		config.SamplingThereafter = 100
	}
	if config.BufferSize == 0 {
		config.BufferSize = 256
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 100 * time.Millisecond
	}
	if len(config.OutputPaths) == 0 {
		config.OutputPaths = []string{"stdout"}
	}
	if len(config.ErrorOutputPaths) == 0 {
		config.ErrorOutputPaths = []string{"stderr"}
	}

	for _, path := range append(append([]string(nil), config.OutputPaths...), config.ErrorOutputPaths...) {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "msg"
	encoderConfig.EncodeTime = zapcore.EpochTimeEncoder // Faster than RFC3339
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	if config.DisableCaller {
		encoderConfig.CallerKey = ""
	}
	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = ""
	}

	sink, closeSink, err := zap.Open(config.OutputPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to open log outputs: %w", err)
	}
	errSink, _, err := zap.Open(config.ErrorOutputPaths...)
	if err != nil {
		closeSink()
		return nil, fmt.Errorf("failed to open error log outputs: %w", err)
	}

	if config.EnableAsync {
		sink = &zapcore.BufferedWriteSyncer{
			WS:            sink,
			Size:          config.BufferSize * 1024,
			FlushInterval: config.FlushInterval,
		}
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zap.NewAtomicLevelAt(config.Level))
	if config.SamplingEnabled {
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SamplingInitial, config.SamplingThereafter)
	}

	opts := []zap.Option{
		zap.ErrorOutput(errSink),
		zap.AddStacktrace(zapcore.DPanicLevel), // Only stacktrace for critical errors
	}
	if !config.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...), nil
}

func ensureDir(path string) error {
	if path == "stdout" || path == "stderr" || strings.Contains(path, "://") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	return nil
}

// GetHighPerformanceConfig returns a configuration optimized for maximum performance
func GetHighPerformanceConfig() Config {
	return Config{
		DisableCaller:      true,                   // Disable for maximum performance
		DisableStacktrace:  true,                   // Disable for maximum performance
		SamplingEnabled:    true,                   // Enable sampling to reduce volume
		SamplingInitial:    1000,                   // Sample 1 in 1000 initially
		SamplingThereafter: 1000,                   // Then 1 in 1000 thereafter
		EnableAsync:        true,                   // Enable async logging
		BufferSize:         1024,                   // Large buffer
		FlushInterval:      200 * time.Millisecond, // Less frequent flushes
		Level:              zapcore.WarnLevel,      // Only warnings and errors
		OutputPaths:        []string{"logs/backend.log"},
		ErrorOutputPaths:   []string{"logs/error.log"},
	}
}

// GetBalancedConfig returns a configuration balancing performance and observability
func GetBalancedConfig() Config {
	return Config{
		DisableCaller:      false,                  // Keep caller info
		DisableStacktrace:  true,                   // Disable stacktraces for performance
		SamplingEnabled:    true,                   // Enable moderate sampling
		SamplingInitial:    100,                    // Sample 1 in 100 initially
		SamplingThereafter: 100,                    // Then 1 in 100 thereafter
		EnableAsync:        true,                   // Enable async logging
		BufferSize:         256,                    // Moderate buffer
		FlushInterval:      100 * time.Millisecond, // Moderate flush interval
		Level:              zapcore.InfoLevel,      // Info level and above
		OutputPaths:        []string{"logs/backend.log"},
		ErrorOutputPaths:   []string{"logs/error.log"},
	}
}

// GetDebugConfig returns a configuration for development/debugging
func GetDebugConfig() Config {
	return Config{
		DisableCaller:     false,              // Keep caller info for debugging
		DisableStacktrace: false,              // Keep stacktraces for debugging
		SamplingEnabled:   false,              // No sampling in debug mode
		EnableAsync:       false,              // Synchronous for immediate output
		Level:             zapcore.DebugLevel, // All levels
		OutputPaths:       []string{"stdout", "logs/backend.log"},
		ErrorOutputPaths:  []string{"stderr", "logs/error.log"},
	}
}

// ConfigForProfile returns the named profile with its level overridden by level when set
func ConfigForProfile(profile, level string) (Config, error) {
	var config Config
	switch strings.ToLower(profile) {
	case "", ProfileBalanced:
		config = GetBalancedConfig()
	case ProfileDebug:
		config = GetDebugConfig()
	case ProfilePerformance:
		config = GetHighPerformanceConfig()
	default:
		return Config{}, fmt.Errorf("unknown log profile %q", profile)
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return Config{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = lvl
	}
	return config, nil
}

// CreateLoggerFromEnv creates a logger from LOG_PROFILE and LOG_LEVEL
func CreateLoggerFromEnv() (*zap.Logger, error) {
	config, err := ConfigForProfile(os.Getenv("LOG_PROFILE"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	return NewLogger(config)
}

// NewDefaultLogger creates a logger with balanced configuration
func NewDefaultLogger() (*zap.Logger, error) {
	config := GetBalancedConfig()
	return NewLogger(config)
}

// NewConsoleLogger creates a human-readable logger on stderr for command-line tools
func NewConsoleLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.DisableStacktrace = true
	zapConfig.OutputPaths = []string{"stderr"}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return zapConfig.Build()
}
