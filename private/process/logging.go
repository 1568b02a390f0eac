// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"runtime"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is a process error class.
var Error = errs.Class("process")

// LogConfig contains the logging flags shared by every command.
type LogConfig struct {
	Level       string `help:"the minimum log level to log" default:"info"`
	Development bool   `help:"if true, set logging to development mode" default:"false"`
	Caller      bool   `help:"if true, log function filename and line number" default:"false"`
	Stack       bool   `help:"if true, log stack traces" default:"false"`
	Encoding    string `help:"configures log encoding. can either be 'console' or 'json'" default:"console"`
	Output      string `help:"can be stdout, stderr, or a filename" default:"stderr"`
}

// BindFlags registers the log flags on the flag set under the "log." prefix.
func (config *LogConfig) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&config.Level, "log.level", "info", "the minimum log level to log")
	flags.BoolVar(&config.Development, "log.development", false, "if true, set logging to development mode")
	flags.BoolVar(&config.Caller, "log.caller", false, "if true, log function filename and line number")
	flags.BoolVar(&config.Stack, "log.stack", false, "if true, log stack traces")
	flags.StringVar(&config.Encoding, "log.encoding", "console", "configures log encoding. can either be 'console' or 'json'")
	flags.StringVar(&config.Output, "log.output", "stderr", "can be stdout, stderr, or a filename")
}

// NewLogger creates new logger configured by the log config.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	return NewLoggerWithOutputPaths(config, config.Output)
}

// NewLoggerWithOutputPaths is the same as NewLogger, but overrides the log output paths.
func NewLoggerWithOutputPaths(config LogConfig, outputPaths ...string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	levelEncoder := zapcore.CapitalColorLevelEncoder
	if runtime.GOOS == "windows" || config.Encoding == "json" {
		levelEncoder = zapcore.CapitalLevelEncoder
	}

	timeKey := "T"
	if os.Getenv("RECONSTRUCTOR_LOG_NOTIME") != "" {
		// using environment variable RECONSTRUCTOR_LOG_NOTIME to avoid additional flags
		timeKey = ""
	}

	logger, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Caller,
		DisableStacktrace: !config.Stack,
		Encoding:          config.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        timeKey,
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: outputPaths,
	}.Build()
	return logger, Error.Wrap(err)
}
