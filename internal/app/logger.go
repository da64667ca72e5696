package app

import (
	"strings"

	"github.com/charlesng35/rowguard/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided settings, defaulting to info.
func ConfigureLogging(cfg LogConfig) error {
	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	return logger.Init(level, cfg.Development)
}
