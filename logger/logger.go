// Package logger builds the process zap logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Env is "dev" (colored console) or "prod" (JSON).
	Env string
	// Level is the minimum level: "debug", "info", "warn" or "error".
	Level string
	// File, when set, also writes JSON logs to a rotated file.
	File string
	// Service is added to every entry when set.
	Service string
}

func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	opts := []zap.Option{zap.AddCaller()}
	if strings.ToLower(cfg.Env) == "prod" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if cfg.File != "" {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore(cfg.File, level))
		}))
	}

	l, err := zcfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	return l, nil
}

func fileCore(path string, level zapcore.Level) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, level)
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
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
