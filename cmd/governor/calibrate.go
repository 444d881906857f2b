package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleet-governor/internal/agent"
	"fleet-governor/internal/benchmark"
	"fleet-governor/internal/store"
)

func newCalibrateCmd(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Benchmark the host and print the capacity profile",
		Long: `calibrate reuses a stored capacity profile that is younger than the
benchmark TTL unless --force is given, in which case the host is probed again
and the new profile is stored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := agent.BuildLogger(cfg)

			fs := afero.NewOsFs()
			st, err := store.New(fs, cfg.DataDir, logger)
			if err != nil {
				return fmt.Errorf("state store: %w", err)
			}
			prober := benchmark.NewHostProber(cfg.Probe(), fs, logger)
			profile, err := benchmark.NewCalibrator(cfg.Benchmark(), st, prober, logger).Ensure(cmd.Context(), force)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(profile)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the stored profile and re-run the benchmark")
	return cmd
}
