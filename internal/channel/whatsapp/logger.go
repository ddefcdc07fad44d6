package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes whatsmeow logs into the service logger.
type zapLogger struct {
	logger *zap.SugaredLogger
}

// NewLogger adapts logger to the whatsmeow logging interface. Records below
// level are discarded.
func NewLogger(logger *zap.Logger, module, level string) waLog.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	filtered := logger.WithOptions(zap.IncreaseLevel(lvl))
	return &zapLogger{logger: filtered.Sugar().Named(module)}
}

func (l *zapLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Errorf(msg, args...)
}

func (l *zapLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warnf(msg, args...)
}

func (l *zapLogger) Infof(msg string, args ...interface{}) {
	l.logger.Infof(msg, args...)
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) {
	l.logger.Debugf(msg, args...)
}

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{logger: l.logger.Named(module)}
}
