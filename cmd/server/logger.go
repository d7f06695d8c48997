package main

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// newLogger picks a JSON handler for production and a colored text handler
// for local development. format overrides the choice when set.
func newLogger(output io.Writer, format string, isDev bool) *slog.Logger {
	if format == "" {
		format = "json"
		if isDev {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return slog.New(tint.NewHandler(output, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	}))
}
