// Package logger builds the zap logger every HaloVital component receives in
// its constructor. The core never logs through package globals.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr". Empty means stdout.
	OutputFile string `yaml:"output_file"`
}

// New constructs the logger. An unparseable level falls back to info rather
// than failing boot; a bad output path does fail, since losing logs on a
// health device is worse than refusing to start.
func New(config Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(strings.ToLower(config.Level)); err == nil {
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding(config.Format),
		EncoderConfig:    encCfg,
		OutputPaths:      []string{destination(config.OutputFile)},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zcfg.Build(
		zap.AddCaller(),
		zap.Fields(zap.String("service", "halovital-core")),
	)
}

func encoding(format string) string {
	if strings.EqualFold(format, "console") {
		return "console"
	}
	return "json"
}

func destination(outputFile string) string {
	switch strings.ToLower(outputFile) {
	case "", "stdout":
		return "stdout"
	case "stderr":
		return "stderr"
	default:
		return outputFile
	}
}
