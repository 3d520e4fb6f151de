package durably

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultLogger(t *testing.T) {
	databaseURL := getDatabaseURL()
	resetTestDatabase(t, databaseURL)

	dc, err := NewDBOSContext(context.Background(), Config{
		DatabaseURL: databaseURL,
		AppName:     "test-app",
	})
	require.NoError(t, err)
	t.Cleanup(func() { dc.Shutdown(10 * time.Second) })
	require.NoError(t, dc.Launch())

	internal, ok := dc.(*dbosContext)
	require.True(t, ok)
	require.NotNil(t, internal.logger)

	internal.logger.Info("message from default logger")
}

func TestCustomLogger(t *testing.T) {
	databaseURL := getDatabaseURL()
	resetTestDatabase(t, databaseURL)

	var buf bytes.Buffer
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(&buf), zap.DebugLevel)
	customLogger := zap.New(core).With(zap.String("service", "durably-test"), zap.String("environment", "test"))

	dc, err := NewDBOSContext(context.Background(), Config{
		DatabaseURL: databaseURL,
		AppName:     "test-app",
		Logger:      customLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dc.Shutdown(10 * time.Second) })
	require.NoError(t, dc.Launch())

	internal, ok := dc.(*dbosContext)
	require.True(t, ok)
	require.NotNil(t, internal.logger)

	internal.logger.Info("message from custom logger", zap.String("test_key", "test_value"))

	output := buf.String()
	require.Contains(t, output, `"service":"durably-test"`)
	require.Contains(t, output, `"environment":"test"`)
	require.Contains(t, output, `"test_key":"test_value"`)
}

func TestNamedLoggerScopesComponent(t *testing.T) {
	var buf bytes.Buffer
	encoderCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(&buf), zap.DebugLevel)
	base := zap.New(core)

	scoped := namedLogger(base, "queue")
	scoped.Info("hello")

	require.Contains(t, buf.String(), `"logger":"queue"`)
}

func TestNamedLoggerFallsBackToNewLoggerWhenBaseIsNil(t *testing.T) {
	scoped := namedLogger(nil, "scheduler")
	require.NotNil(t, scoped)
}
