package testutil

import (
	"io"
	"log/slog"
)

// DiscardLogger returns a JSON logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
