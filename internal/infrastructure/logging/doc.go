// Package logging provides structured logging for the irrigation core.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text in development, and the service name and version on
// every entry.
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
//	logger.Info("feed attached", "path", "esp/sensors/relay")
//	logger.Warn("command rolled back", "field", "relayStatus", "error", err)
//
// Never log the JWT secret or broker credentials.
package logging
