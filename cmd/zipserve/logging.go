package main

import (
	"fmt"

	"go.uber.org/zap"
)

// createLogger builds the process logger: a human-readable console config
// for interactive or debug runs, JSON production config otherwise.
func createLogger(debug bool, logLevel string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", logLevel, err)
	}

	var loggerCfg zap.Config
	if debug || isInteractiveEnvironment() {
		loggerCfg = zap.NewDevelopmentConfig()
	} else {
		loggerCfg = zap.NewProductionConfig()
		loggerCfg.DisableStacktrace = false
	}
	loggerCfg.Level = level

	logger, err := loggerCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger.Named("zipserve"), nil
}
