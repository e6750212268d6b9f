// Package logging provides structured logging for the C-Bus bridge.
//
// It wraps log/slog with the bridge's default fields (service, version) and
// a level filter taken from the logging section of the configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// A *Logger satisfies the cbus.Logger interface, so components receive a
// child logger directly:
//
//	logger := logging.New(cfg.Logging, version)
//	gw := logger.Component("gateway")
//	gw.Info("connected", "host", cfg.Gateway.Host)
//
// Never log secrets, tokens or passwords.
package logging
