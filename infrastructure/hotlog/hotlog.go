// Package hotlog provides a low-allocation structured logger for the
// capture pipeline's per-frame/per-segment hot path, where
// infrastructure/logging's reflection-based logrus fields would show up
// in profiles at 30-60fps.
package hotlog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger tuned for the capture pipeline: JSON output,
// no caller/stacktrace annotation (both allocate), millisecond timestamps.
type Logger struct {
	z *zap.Logger
}

// New builds a hot-path logger writing JSON lines to stdout at level.
func New(level zapcore.Level) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		level,
	)
	return &Logger{z: zap.New(core)}
}

// Frame logs one admitted or dropped frame. Called once per frame, so every
// field is passed positionally rather than built into a map.
func (l *Logger) Frame(stage string, segmentID string, frameIndex int, dropped bool) {
	l.z.Debug("capture.frame",
		zap.String("stage", stage),
		zap.String("segment_id", segmentID),
		zap.Int("frame_index", frameIndex),
		zap.Bool("dropped", dropped),
	)
}

// Segment logs one segment lifecycle transition (opened, closed, sealed).
func (l *Logger) Segment(event, segmentID string, frameCount int, elapsed time.Duration) {
	l.z.Info("capture.segment",
		zap.String("event", event),
		zap.String("segment_id", segmentID),
		zap.Int("frame_count", frameCount),
		zap.Duration("elapsed", elapsed),
	)
}

// Backpressure logs a fps/bitrate adjustment decision.
func (l *Logger) Backpressure(level string, queueDepth int, fpsTarget float64, bitrateKbps int) {
	l.z.Warn("capture.backpressure",
		zap.String("level", level),
		zap.Int("queue_depth", queueDepth),
		zap.Float64("fps_target", fpsTarget),
		zap.Int("bitrate_kbps", bitrateKbps),
	)
}

// Error logs a hot-path error without the allocation cost of
// infrastructure/logging's WithError field builder.
func (l *Logger) Error(stage string, err error) {
	l.z.Error("capture.error", zap.String("stage", stage), zap.Error(err))
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }
