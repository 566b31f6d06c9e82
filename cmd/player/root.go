package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
)

// rootOptions holds the persistent flags shared by every command
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "abrplayer",
		Short: "Adaptive HLS player for packaged videos",
		Long: `abrplayer plays an HLS master manifest the way a browser player would:
it estimates bandwidth from segment downloads and switches renditions
automatically, or pins a rendition chosen by name.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (player defaults are used when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")

	cmd.AddCommand(newPlayCmd(opts))
	return cmd
}

// init loads configuration and builds the logger. Flags override the
// config file only when explicitly set.
func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	level := cfg.Logging.Level
	if cmd.Flags().Changed("log-level") || level == "" {
		level = o.logLevel
	}
	if level == "" {
		level = "info"
	}

	o.logger = logging.New(cmd.ErrOrStderr(), logging.Config{
		Level:  level,
		Format: o.logFormat,
	}).WithField("service", "player")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	return config.Load(path)
}
