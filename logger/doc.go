// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Production mode writes JSON with ISO8601 timestamps,
// development mode writes colored console output.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
//	logger.Error("An error occurred", zap.Error(err))
package logger
