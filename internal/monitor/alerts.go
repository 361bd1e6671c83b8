package monitor

import "go.uber.org/zap"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts to a zap logger at Warn.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Logger != nil {
		s.Logger.Warn("alert", zap.String("message", message))
	}
	return nil
}
