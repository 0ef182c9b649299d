package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-bricks-datalayer/collection"
	"github.com/gaborage/go-bricks-datalayer/experiments"
	"github.com/gaborage/go-bricks-datalayer/pending"
)

type listOptions struct {
	Type   string
	Status string
	Search string
	Sort   string
	Order  string
	Clear  bool
}

type editOptions struct {
	Name        string
	Type        string
	Status      string
	Description string
}

func (o editOptions) experiment() experiments.Experiment {
	return experiments.Experiment{
		Name:        o.Name,
		Type:        o.Type,
		Status:      o.Status,
		Description: o.Description,
	}
}

func newExperimentsCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiments",
		Aliases: []string{"exp"},
		Short:   "List and edit experiments",
	}
	cmd.AddCommand(
		newListCommand(g),
		newGetCommand(g),
		newCreateCommand(g),
		newUpdateCommand(g),
		newDeleteCommand(g),
	)
	return cmd
}

func newListCommand(g *GlobalOptions) *cobra.Command {
	opts := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments using the persisted filters",
		Long: `List experiments. Filters given as flags are merged into the persisted
filters, so with --prefs-dir they stick across runs.`,
		Example: `  dashctl experiments list --status running --sort name --order asc
  dashctl experiments list --clear`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, g, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Type, "type", "", "server-side type filter")
	f.StringVar(&opts.Status, "status", "", "server-side status filter")
	f.StringVar(&opts.Search, "search", "", "case-insensitive name/type/status search")
	f.StringVar(&opts.Sort, "sort", "", "sort field: created_at, updated_at, name, type or status")
	f.StringVar(&opts.Order, "order", "", "sort order: asc or desc")
	f.BoolVar(&opts.Clear, "clear", false, "reset filters and sort before listing")
	return cmd
}

func runList(cmd *cobra.Command, g *GlobalOptions, opts *listOptions) error {
	s, err := openSession(cmd, g)
	if err != nil {
		return err
	}
	defer s.Close()

	coll := s.layer.Experiments().Collection()
	if opts.Clear {
		coll.ClearFilters()
	}

	var u collection.FilterUpdate
	flags := cmd.Flags()
	if flags.Changed("type") {
		u.TypeFilter = &opts.Type
	}
	if flags.Changed("status") {
		u.StatusFilter = &opts.Status
	}
	if flags.Changed("search") {
		u.Search = &opts.Search
	}
	coll.UpdateFilters(u)

	if opts.Sort != "" || opts.Order != "" {
		sort := coll.State().Sort
		if opts.Sort != "" {
			sort.By = collection.SortField(opts.Sort)
		}
		if opts.Order != "" {
			sort.Order = collection.SortOrder(opts.Order)
		}
		if err := coll.SetSorting(sort); err != nil {
			return err
		}
	}

	if err := coll.Refetch(s.ctx); err != nil {
		return fmt.Errorf("failed to load experiments: %w", err)
	}
	st := coll.State()
	if g.JSON {
		return writeJSON(cmd.OutOrStdout(), st.Items)
	}
	return renderExperiments(cmd.OutOrStdout(), st.Items)
}

func newGetCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.layer.Experiments().Get(s.ctx, args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), e)
			}
			return renderExperiment(cmd.OutOrStdout(), e)
		},
	}
}

func addEditFlags(cmd *cobra.Command, opts *editOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "experiment name")
	f.StringVar(&opts.Type, "type", "", "experiment type (e.g. ab_test, feature_flag)")
	f.StringVar(&opts.Status, "status", "", "draft, running, paused, completed or failed")
	f.StringVar(&opts.Description, "description", "", "free-form description")
}

func newCreateCommand(g *GlobalOptions) *cobra.Command {
	opts := &editOptions{}
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create an experiment",
		Example: `  dashctl experiments create --name "Checkout button" --type ab_test`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			created, err := s.layer.Experiments().Create(s.ctx, opts.experiment())
			if err != nil {
				return reportQueued(cmd, err)
			}
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), created)
			}
			return renderExperiment(cmd.OutOrStdout(), created)
		},
	}
	addEditFlags(cmd, opts)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUpdateCommand(g *GlobalOptions) *cobra.Command {
	opts := &editOptions{}
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of an experiment; omitted flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			// the item must be in the list for the local projection
			if err := s.layer.Experiments().Collection().Refetch(s.ctx); err != nil {
				return fmt.Errorf("failed to load experiments: %w", err)
			}
			updated, err := s.layer.Experiments().Update(s.ctx, args[0], opts.experiment())
			if err != nil {
				return reportQueued(cmd, err)
			}
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), updated)
			}
			return renderExperiment(cmd.OutOrStdout(), updated)
		},
	}
	addEditFlags(cmd, opts)
	return cmd
}

func newDeleteCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete an experiment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.layer.Experiments().Collection().Refetch(s.ctx); err != nil {
				return fmt.Errorf("failed to load experiments: %w", err)
			}
			if err := s.layer.Experiments().Delete(s.ctx, args[0]); err != nil {
				return reportQueued(cmd, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}

// reportQueued explains that an offline write was only queued. A one-shot CLI
// exits before the queue could drain, so it stays an error.
func reportQueued(cmd *cobra.Command, err error) error {
	if errors.Is(err, pending.ErrQueued) {
		fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("offline: change queued but not sent"))
	}
	return err
}
