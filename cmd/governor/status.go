package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the capacity profile and governor state of a running governor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dialControl(v)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
