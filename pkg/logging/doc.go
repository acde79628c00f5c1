// Package logging configures the structured loggers used across CloudEmu.
//
// It wraps log/slog. Components receive a *slog.Logger through a
// WithLogger option and derive their own with Component:
//
//	log := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})
//	gw := logging.Component(log, "gateway")
//	gw.Info("listening", "provider", "aws", "addr", ":4566")
//
// When no logger is configured, Nop returns one that discards everything.
// A Config with a File set writes JSON to the file in addition to the
// console handler.
package logging
