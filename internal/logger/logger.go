// Package logger provides the process-wide structured logger and the
// per-session child loggers derived from it. Session children are tagged
// with a generated session id (sid=...); per §7 usernames are logged raw,
// with no PII scrubbing.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	base, _ = zap.NewDevelopment()
}

// Config controls process-wide logging behavior, mirroring the
// configuration surface's logging.level / logging.format fields.
type Config struct {
	Level  string
	Format string
}

// Init (re)configures the process-wide logger. Safe to call once at
// startup before any session loggers are derived.
func Init(cfg Config) error {
	core := zapcore.NewCore(encoderFor(cfg.Format), zapcore.Lock(zapcore.AddSync(os.Stdout)), levelFor(cfg.Level))
	base = zap.New(core, zap.AddCaller())
	return nil
}

// L returns the process-wide logger.
func L() *zap.Logger { return base }

// ForSession returns a child logger tagged with the session id. The
// username is logged verbatim as received from the client.
func ForSession(sessionID, username string) *zap.Logger {
	return base.With(zap.String("sid", sessionID), zap.String("user", username))
}

func levelFor(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

func encoderFor(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.ToLower(format) == "console" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}
