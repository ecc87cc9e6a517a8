// Package logging provides structured logging for Open Peer Power.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the core runtime, the API
// gateway and every integration.
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting", "port", 8123)
//	mqttLog := logger.Component("mqtt_eventstream")
//
// Never log access tokens, refresh tokens or the legacy API password.
package logging
