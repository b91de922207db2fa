// Package klog builds the kernel's structured logger.
//
// Every subsystem constructor takes a *zap.Logger scoped with its own
// component name instead of writing breadcrumb strings directly.
package klog

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BootSession is a per-incarnation identifier stamped into every log line
// and audit batch so that a persisted audit trail can be correlated back
// to a particular kernel boot.
var BootSession = uuid.New().String()

// New builds the root logger. dev=true uses a human-readable console
// encoder (useful under a debugger); dev=false uses JSON, the production
// shape a real deployment would ship.
func New(dev bool) *zap.Logger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		// Logger construction only fails on malformed static config; a
		// kernel cannot boot silently without logging, so this is one of
		// the rare user-unreachable panics.
		panic(err)
	}
	return logger.With(zap.String("boot_session", BootSession))
}

// Component scopes a logger to one kernel subsystem.
func Component(root *zap.Logger, name string) *zap.Logger {
	return root.With(zap.String("component", name))
}
