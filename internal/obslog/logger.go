package obslog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logr.Logger backed by zap. debug enables
// development-mode encoding (console, caller info) instead of the
// production JSON encoder.
func New(debug bool) (logr.Logger, func(), error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, func() {}, err
	}

	sync := func() { _ = zl.Sync() }
	return zapr.NewLogger(zl), sync, nil
}

// Discard returns a logr.Logger that drops everything, for tests that
// don't want log noise.
func Discard() logr.Logger {
	return logr.Discard()
}
