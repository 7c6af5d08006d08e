package sprotocol

import "log/slog"

// Logger receives the channel's structured records. Arguments are
// alternating key-value pairs, so *slog.Logger satisfies it directly.
type Logger interface {
	// Debug records per-message traffic: decoded queries and sent answers.
	Debug(msg string, args ...any)
	// Info records lifecycle events such as a server starting.
	Info(msg string, args ...any)
	// Warn records rejected workers and recoverable oddities.
	Warn(msg string, args ...any)
	// Error records failures that end a channel or a server.
	Error(msg string, args ...any)
}

// defaultLogger is used when no LoggerOption is given.
func defaultLogger() Logger {
	return slog.Default()
}

// logQuery emits one debug record per decoded query.
func (c *Channel) logQuery(q Query) {
	c.opts.logger.Debug("query",
		"channel", c.opts.name,
		"elapsed_ms", q.Elapsed(),
		"query", q.String())
}

func (c *Channel) logAnswer(a Answer) {
	switch a := a.(type) {
	case ReadAnswer:
		c.opts.logger.Debug("answer", "channel", c.opts.name, "tag", a.Tag(), "size", len(a.Data))
	case OpenAnswer:
		c.opts.logger.Debug("answer", "channel", c.opts.name, "tag", a.Tag(), "size", len(a.Path))
	default:
		c.opts.logger.Debug("answer", "channel", c.opts.name, "tag", a.Tag())
	}
}
