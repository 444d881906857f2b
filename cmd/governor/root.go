package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleet-governor/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "governor",
		Short: "Adaptive capacity governor for a fleet of workers",
		Long: `governor calibrates how many workers this host can run, keeps adjusting
that limit from live load signals, and answers admission, job and exclusive
execution requests over its control endpoint.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (yaml, json or toml)")
	flags.String("data-dir", "", "directory holding persisted state documents")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("log-json", false, "emit JSON logs")
	flags.String("control-addr", "", "control endpoint address")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_json", flags.Lookup("log-json"))
	_ = v.BindPFlag("control_listen_addr", flags.Lookup("control-addr"))

	root.AddCommand(
		newRunCmd(v),
		newCalibrateCmd(v),
		newJobsCmd(v),
		newStatusCmd(v),
	)
	return root
}

// loadConfig resolves configuration once flags have been parsed.
func loadConfig(v *viper.Viper) (config.Config, error) {
	return config.Load(v)
}
