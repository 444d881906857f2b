package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleet-governor/internal/agent"
	"fleet-governor/internal/control"
	"fleet-governor/internal/model"
)

func newJobsCmd(v *viper.Viper) *cobra.Command {
	var (
		statuses []string
		target   string
		jobType  string
		limit    int
		backlog  bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs known to a running governor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dialControl(v)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var list []model.Job
			if backlog {
				list, err = client.Backlog(cmd.Context())
			} else {
				f := model.JobFilter{Target: target, Type: jobType, Limit: limit}
				for _, s := range statuses {
					st := model.JobStatus(s)
					if !st.Valid() {
						return fmt.Errorf("unknown job status %q", s)
					}
					f.Status = append(f.Status, st)
				}
				list, err = client.Jobs(cmd.Context(), f)
			}
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses")
	cmd.Flags().StringVar(&target, "target", "", "only jobs for this target")
	cmd.Flags().StringVar(&jobType, "type", "", "only jobs of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	cmd.Flags().BoolVar(&backlog, "backlog", false, "show pending and running jobs, oldest first")
	return cmd
}

func dialControl(v *viper.Viper) (*control.Client, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := agent.BuildLogger(cfg).With("component", "control-client")
	return control.Dial(cfg.ControlListenAddr, cfg.ControlToken, cfg.ControlTimeout, logger)
}

func printJobs(w io.Writer, list []model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tSTATUS\tCREATED\tREASON")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Type, j.Target, j.Status, j.CreatedAt.Local().Format(time.DateTime), j.Reason)
	}
	return tw.Flush()
}
