// Package logging builds the process logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// TimeLayout keeps microseconds, the resolution of RTT and pacing logs.
const TimeLayout = "15:04:05.000000"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// Init builds a console logger writing to stderr. Levels are colored when
// stderr is a terminal.
func Init(cfg *Config) *zap.SugaredLogger {
	color := term.IsTerminal(int(os.Stderr.Fd()))
	return New(zapcore.Lock(os.Stderr), cfg.Level, color)
}

// New builds a console logger writing to w.
func New(w zapcore.WriteSyncer, level zapcore.LevelEnabler, color bool) *zap.SugaredLogger {
	enc := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: "  ",
	}
	if color {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, level)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}
