package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component tags log lines with the subsystem that produced them.
type Component string

const (
	ComponentApp        Component = "APP"
	ComponentSession    Component = "SESSION"
	ComponentAdvertiser Component = "ADVERTISER"
	ComponentBrowser    Component = "BROWSER"
	ComponentDiscovery  Component = "DISCOVERY"
	ComponentStorage    Component = "STORAGE"
)

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func consoleEncoder() zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("15:04:05.000"))
	}

	// Single letter level: D, I, W, E
	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		switch level {
		case zapcore.DebugLevel:
			enc.AppendString("D")
		case zapcore.InfoLevel:
			enc.AppendString("I")
		case zapcore.WarnLevel:
			enc.AppendString("W")
		case zapcore.ErrorLevel:
			enc.AppendString("E")
		default:
			enc.AppendString("?")
		}
	}

	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		enc.AppendString(strings.TrimSuffix(file, ".go"))
	}

	return zapcore.NewConsoleEncoder(config)
}

// New creates a console logger writing to stderr at the given level.
func New(level string) *zap.Logger {
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stderr), ParseLevel(level))
	return zap.New(core, zap.AddCaller())
}

// NewFile creates a logger that appends to filePath.
func NewFile(level, filePath string) (*zap.Logger, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", filePath, err)
	}
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(file), ParseLevel(level))
	return zap.New(core, zap.AddCaller()), nil
}

// For returns logger tagged with component, or a no-op logger when logger is nil.
func For(logger *zap.Logger, component Component) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("component", string(component)))
}
