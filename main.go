package main

import (
	"context"
	"os"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelbuild",
		Short: "I2P tunnel build subsystem",
		Long: `tunnelbuild builds, accepts and expires I2P tunnels.

The simulate command runs the complete subsystem on a set of routers
connected by an in-memory network and reports how their pools fared.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.InitConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-i2p/tunnelbuild.yaml)")
	flags.Int("length", 0, "hops per tunnel, not counting this router")
	flags.String("format", "", "record format of new tunnels: modern or legacy")
	flags.Duration("request-timeout", 0, "how long to wait for a build reply")
	bindFlag(root, "length", "tunnel.pool.length")
	bindFlag(root, "format", "tunnel.pool.format")
	bindFlag(root, "request-timeout", "tunnel.build.request_timeout")

	root.AddCommand(newSimulateCommand(), newConfigCommand())
	return root
}

func bindFlag(cmd *cobra.Command, flag, key string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		log.WithError(err).WithField("flag", flag).Fatal("could not bind flag")
	}
}
