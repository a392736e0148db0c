// Package logging builds the process logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New returns a sugared zap logger. mode "prod"/"production" selects the JSON
// production encoder, anything else the console development encoder.
func New(mode string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything. Used as the default for
// components built without a logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Leveled adapts a sugared logger to the key/value leveled logger interface
// used by go-retryablehttp.
type Leveled struct {
	L *zap.SugaredLogger
}

func (l Leveled) Error(msg string, kv ...interface{}) { l.L.Errorw(msg, kv...) }
func (l Leveled) Info(msg string, kv ...interface{})  { l.L.Infow(msg, kv...) }
func (l Leveled) Debug(msg string, kv ...interface{}) { l.L.Debugw(msg, kv...) }
func (l Leveled) Warn(msg string, kv ...interface{})  { l.L.Warnw(msg, kv...) }
