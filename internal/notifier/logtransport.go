package notifier

import (
	"context"
	"fmt"

	logx "keepsched/pkg/logx"
)

// LogTransport writes messages to the logger instead of delivering them.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log.With(logx.String("transport", "log"))}
}

func (l *LogTransport) Name() string { return "log" }

func (l *LogTransport) Send(_ context.Context, m Message) error {
	subject, text := renderPlain(m)
	l.log.Info("notification",
		logx.String("to", maskEmail(m.To.Email)),
		logx.String("template", string(m.Template)),
		logx.String("subject", subject),
		logx.String("body", text),
	)
	return nil
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg Config, log logx.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "log":
		return NewLogTransport(log), nil
	case "brevo":
		b, err := NewBrevo(cfg.Brevo, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown notifier transport: %q", cfg.Transport)
	}
}
