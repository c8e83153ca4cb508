package beancore

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logr's V().
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

const (
	logVerbose = VERBOSE
	logDebug   = DEBUG
	logTrace   = TRACE
)

// NewLogger builds a zap-backed logr.Logger that prints messages up to
// verbosity. Development loggers are human readable and include callers;
// production loggers emit JSON.
func NewLogger(development bool, verbosity int) (logr.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	// logr verbosity v maps to zap level -v.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(z), nil
}
