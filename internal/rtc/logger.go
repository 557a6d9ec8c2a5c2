package rtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// loggerFactory routes pion's internal logging into zap, one named child per scope
type loggerFactory struct {
	log *zap.Logger
}

// NewLoggerFactory adapts log to pion's LoggerFactory
func NewLoggerFactory(log *zap.Logger) logging.LoggerFactory {
	return loggerFactory{log: log.Named("pion")}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{s: f.log.Named(scope).Sugar()}
}

// leveledLogger maps pion's trace level onto debug; zap has nothing finer
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Trace(msg string) { l.s.Debug(msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l leveledLogger) Debug(msg string) { l.s.Debug(msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l leveledLogger) Info(msg string) { l.s.Info(msg) }
func (l leveledLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }
func (l leveledLogger) Warn(msg string) { l.s.Warn(msg) }
func (l leveledLogger) Warnf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l leveledLogger) Error(msg string) { l.s.Error(msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
