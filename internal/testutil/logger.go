package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that discards all output. Use it to
// keep test output quiet; components under test accept the logger via
// dependency injection.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
