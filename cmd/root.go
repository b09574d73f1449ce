package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdagent "github.com/projecteru2/warren/cmd/agent"
	cmdcore "github.com/projecteru2/warren/cmd/core"
	cmdhost "github.com/projecteru2/warren/cmd/host"
	cmdothers "github.com/projecteru2/warren/cmd/others"
	"github.com/projecteru2/warren/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "warren",
		Short:         "Warren - AI coding agents across local, SSH and sandbox hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("prefix", "", "tmux session name prefix")
	cmd.PersistentFlags().String("tmux-socket", "", "tmux server socket name")
	cmd.PersistentFlags().Int("max-host-queries", 0, "max concurrent host queries in bulk operations")
	cmd.PersistentFlags().String("sandbox-endpoint", "", "sandbox API endpoint")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("prefix", cmd.PersistentFlags().Lookup("prefix"))
	_ = viper.BindPFlag("tmux_socket", cmd.PersistentFlags().Lookup("tmux-socket"))
	_ = viper.BindPFlag("max_host_queries", cmd.PersistentFlags().Lookup("max-host-queries"))
	_ = viper.BindPFlag("sandbox.endpoint", cmd.PersistentFlags().Lookup("sandbox-endpoint"))

	viper.SetEnvPrefix("WARREN")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdhost.Command(cmdhost.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdagent.Command(cmdagent.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	// Unset flags unmarshal as zero values.
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
