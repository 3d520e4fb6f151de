package durably

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process-wide logger. Encoding follows DURABLY_ENV:
// JSON in production, a human-readable console encoder in development.
func newLogger() *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if os.Getenv("DURABLY_DEBUG") != "" {
		level.SetLevel(zap.DebugLevel)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if os.Getenv("DURABLY_ENV") == "dev" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// namedLogger returns a child logger scoped to a subsystem, mirroring the
// teacher's "one logger per service, named per component" convention.
func namedLogger(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = newLogger()
	}
	return base.Named(name)
}
