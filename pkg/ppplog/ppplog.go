// Package ppplog adapts *slog.Logger for the tunnel core. The logging
// subsystem itself (handlers, levels, formats) belongs to the embedding
// application; this package only standardises the field names the core
// logs with so every component's lines correlate.
package ppplog

import "log/slog"

// Component names used across the core.
const (
	Main      = "main"
	PPP       = "ppp"
	Framer    = "framer"
	HDLC      = "hdlc"
	Keepalive = "keepalive"
	Transport = "transport"
)

// Component tags a logger with a component name. A nil logger falls
// back to slog.Default so injected loggers stay optional.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// SessionAttrs is the per-session correlation set.
type SessionAttrs struct {
	SessionID string
	Encap     string
	Phase     string
}

// WithSession tags a logger with the session's correlation fields,
// skipping empty ones.
func WithSession(logger *slog.Logger, attrs SessionAttrs) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, 6)
	if attrs.SessionID != "" {
		args = append(args, "session_id", attrs.SessionID)
	}
	if attrs.Encap != "" {
		args = append(args, "encap", attrs.Encap)
	}
	if attrs.Phase != "" {
		args = append(args, "phase", attrs.Phase)
	}
	return logger.With(args...)
}
