package telemetry

import (
	"context"
	"errors"
	"log/slog"
)

// fanoutHandler sends every record to each wrapped handler. Used to pair a
// terminal text handler with the JSON log file.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, hh := range h {
		if hh.Enabled(ctx, record.Level) {
			errs = append(errs, hh.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, hh := range h {
		next[i] = hh.WithAttrs(attrs)
	}
	return next
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, hh := range h {
		next[i] = hh.WithGroup(name)
	}
	return next
}
