// Package logging builds the service logger: JSON lines to a rotated file
// tee'd with console output.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ent0n29/companion/internal/policy"
)

type Options struct {
	// FilePath enables the rotated JSON file sink when non-empty.
	FilePath string
	Level    string
	// Production switches console output to JSON.
	Production bool
}

func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var consoleEncoder zapcore.Encoder
	if opts.Production {
		consoleEncoder = jsonEncoder
	} else {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if path := strings.TrimSpace(opts.FilePath); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(v string) (zapcore.Level, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(v))
}

// Text logs a redacted, truncated preview of user or companion text.
func Text(key, value string) zap.Field {
	return zap.String(key, policy.Preview(value, policy.DefaultLogPreview))
}
