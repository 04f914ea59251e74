package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bluegate/internal/config"
)

// loadConfig reads the config named by --config and lets --log-level
// override the file's level. Commands call this before doing anything.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		if _, err := logrus.ParseLevel(levelStr); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
		cfg.LogLevel = levelStr
	}
	return cfg, cfg.NewLogger(), nil
}
