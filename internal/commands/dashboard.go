package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-bricks-datalayer/experiments"
)

func newDashboardCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show the summary, chart and recent panels",
		Long: `Loads every dashboard panel in parallel. Panels that fail are shown as
unavailable; the command only fails when no panel could be loaded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.layer.Experiments().Dashboard()
			if err != nil {
				return err
			}
			refetchErr := view.RefetchAll(s.ctx)
			snap := view.Snapshot()
			if snap.HasAllErrors {
				return fmt.Errorf("failed to load dashboard: %w", refetchErr)
			}
			if refetchErr != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("some panels failed: "+refetchErr.Error()))
			}

			data := experiments.DashboardData(snap)
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), data)
			}
			return renderDashboard(cmd.OutOrStdout(), data)
		},
	}
}
