package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleet-governor/internal/agent"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the governor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := agent.BuildLogger(cfg)

			a, err := agent.New(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("governor initialization failed", "error", err)
				return err
			}
			if err := a.Run(cmd.Context()); err != nil {
				logger.Error("governor runtime failed", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().Bool("boot-ramp", false, "probe for capacity above the calibrated limit at startup")
	_ = v.BindPFlag("boot_ramp", cmd.Flags().Lookup("boot-ramp"))
	cmd.Flags().StringSlice("boot-ramp-target", nil, "candidate targets for the boot ramp, in order")
	_ = v.BindPFlag("boot_ramp_targets", cmd.Flags().Lookup("boot-ramp-target"))
	cmd.Flags().String("libvirt-uri", "", "drive workers as libvirt domains at this URI")
	_ = v.BindPFlag("libvirt_uri", cmd.Flags().Lookup("libvirt-uri"))
	return cmd
}
