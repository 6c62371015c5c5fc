package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
)

// New builds the process logger from the logging section. Format "console"
// selects the development encoder, anything else is JSON.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}

	return zcfg.Build()
}
