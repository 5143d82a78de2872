// Package cli implements the dispatchctl operator commands.
package cli

import (
	"context"
	"os"

	"agent_dispatch/internal/bootstrap"
	"agent_dispatch/internal/config"
	"agent_dispatch/internal/logx"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
}

func (o *options) load() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFromINI(o.configPath)
	}
	return config.Load()
}

// app opens the stores without touching the HTTP side
func (o *options) app(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	cfg.WSEnabled = false
	cfg.Redis.Enabled = false
	logger := logx.NewWithWriter(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return bootstrap.New(ctx, cfg, logger, bootstrap.Options{})
}

// NewRootCmd builds the dispatchctl command tree
func NewRootCmd(version string) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "dispatchctl",
		Short:        "Operate the agent command dispatcher",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "INI config file (environment variables still take priority)")

	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newCreateUserCmd(opts))
	cmd.AddCommand(newMintTokenCmd(opts))
	cmd.AddCommand(newRotateTokenCmd(opts))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	if version == "" {
		version = "dev"
	}
	cmd.Version = version
	cmd.SetVersionTemplate("{{.Version}}\n")
	return cmd
}
