// Package logging provides the shared structured logger.
package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON logger writing to stdout at Info level.
// Lambda forwards stdout to CloudWatch, so every handler logs through this.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
