// Package logging builds the zap logger shared by every component.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeLayout = "2006-01-02T15:04:05"

type Config struct {
	Level      string
	JSON       bool
	Production bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func New(cfg Config) (*zap.SugaredLogger, error) {
	levelStr := cfg.Level
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(cfg.Production, cfg.JSON), zapcore.AddSync(os.Stdout), level),
	}
	if cfg.File != "" {
		// rotated file sink keeps debug lines regardless of the console level
		sink := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Production, true), zapcore.AddSync(sink), zapcore.DebugLevel))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if !cfg.Production {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar(), nil
}

// NewTestLogger logs only to stdout.
func NewTestLogger() *zap.SugaredLogger {
	log, _ := New(Config{Level: "debug"})
	return log
}

func newEncoder(production, json bool) zapcore.Encoder {
	var cfg zapcore.EncoderConfig
	if production {
		cfg = zap.NewProductionEncoderConfig()
	} else {
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	}
	if json {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
