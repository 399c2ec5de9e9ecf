package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netresearch/ldappool"
)

type ctxKey string

const (
	poolConfigKey ctxKey = "poolConfig"
	loggerKey     ctxKey = "logger"
)

// NewRootCommand builds the ldappool command tree. opts are passed to every
// Manager a subcommand creates.
func NewRootCommand(opts ...ldappool.Option) *cobra.Command {
	var configPath string
	var logLevel string
	var logFormat string

	rootCmd := &cobra.Command{
		Use:           "ldappool",
		Short:         "ldappool exercises and inspects an LDAP connection pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
			if err != nil {
				return err
			}

			cfg, err := ldappool.LoadPoolConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load pool config: %w", err)
			}
			logger.Debug("pool_config_loaded",
				slog.String("path", configPath),
				slog.Int("max_size", cfg.MaxSize),
				slog.Duration("idle_timeout", cfg.IdleTimeout))

			ctx := context.WithValue(cmd.Context(), poolConfigKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to pool config file (TOML), default ./ldappool.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(ProbeCommand(opts...))
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetPoolConfig returns the config loaded by the root command.
func GetPoolConfig(cmd *cobra.Command) *ldappool.PoolConfig {
	if v := cmd.Context().Value(poolConfigKey); v != nil {
		if cfg, ok := v.(*ldappool.PoolConfig); ok {
			return cfg
		}
	}
	return ldappool.DefaultPoolConfig()
}

// GetLogger returns the logger built by the root command.
func GetLogger(cmd *cobra.Command) *slog.Logger {
	if v := cmd.Context().Value(loggerKey); v != nil {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q: must be text or json", format)
	}
}
