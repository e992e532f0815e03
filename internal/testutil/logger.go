package testutil

import (
	"io"
	"log/slog"

	"github.com/andresmejia3/facegate/internal/logger"
)

func MakeNoopLogger() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))}
}
