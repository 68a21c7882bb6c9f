// Package logging provides structured logging for Device Tools.
//
// It wraps log/slog so every entry carries the service name and build
// version, and so components can be tagged consistently.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("modification").Info("applied", "id", rec.ID)
package logging
