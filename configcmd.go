package main

import (
	"fmt"
	"io"
	"time"

	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpConfig(cmd.OutOrStdout(), viper.AllSettings())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(config.CurrentConfig()); err != nil {
				return oops.Wrapf(err, "invalid configuration")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return err
		},
	})
	return cmd
}

// dumpConfig writes settings as YAML that InitConfig can read back.
func dumpConfig(out io.Writer, settings map[string]interface{}) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(readable(settings)); err != nil {
		return oops.Wrapf(err, "encoding configuration")
	}
	return enc.Close()
}

// readable replaces durations by their string form, which viper parses.
func readable(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = readable(e)
		}
		return m
	case time.Duration:
		return t.String()
	default:
		return v
	}
}
