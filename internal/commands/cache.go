package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the in-memory cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Load the list and dashboard, then print cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			svc := s.layer.Experiments()
			if err := svc.Collection().Refetch(s.ctx); err != nil {
				return fmt.Errorf("failed to load experiments: %w", err)
			}
			view, err := svc.Dashboard()
			if err != nil {
				return err
			}
			if err := view.RefetchAll(s.ctx); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("dashboard incomplete: "+err.Error()))
			}
			stats := s.layer.Cache().Stats()
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			rows := [][]string{
				{"entries", fmt.Sprint(stats.TotalEntries)},
				{"approx bytes", fmt.Sprint(stats.ApproxBytes)},
				{"hit rate", fmt.Sprintf("%.0f%%", stats.HitRate*100)},
				{"oldest", formatTime(stats.Oldest)},
				{"newest", formatTime(stats.Newest)},
				{"priority low/normal/high", fmt.Sprintf("%d/%d/%d", stats.ByPriority.Low, stats.ByPriority.Normal, stats.ByPriority.High)},
			}
			return renderTable(cmd.OutOrStdout(), []string{"STAT", "VALUE"}, rows)
		},
	})
	return cmd
}
