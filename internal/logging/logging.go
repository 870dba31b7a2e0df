package logging

import (
	"os"

	"basis-arb-bot/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/lumberjack.v3"
)

// New builds the process logger. JSON always goes to stderr; when a log file is
// configured a rotating file core is teed alongside it.
func New(cfg config.LoggingConfig) *zap.Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)}
	if cfg.File != "" {
		fileHandler, err := lumberjack.New(
			lumberjack.WithFileName(cfg.File),
			lumberjack.WithMaxBytes(int64(cfg.MaxSizeMB)*1024*1024),
			lumberjack.WithMaxBackups(cfg.MaxBackups),
			lumberjack.WithMaxDays(cfg.MaxAgeDays),
			lumberjack.WithCompress(),
		)
		if err == nil {
			cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(fileHandler), level))
		}
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
