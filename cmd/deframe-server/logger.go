package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-deframe/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "deframe-server")
	logging.Set(l)
	return l
}
