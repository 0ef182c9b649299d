package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/preferences"
)

// knownPreference returns the current typed value of a layout key.
func knownPreference(store *preferences.Store, key string) (any, bool) {
	switch key {
	case preferences.KeyUserPreferences:
		return store.UserPreferences(), true
	case preferences.KeyDashboardSettings:
		return store.DashboardSettings(), true
	case preferences.KeyExperimentFilters:
		return store.ExperimentFilters(), true
	case preferences.KeyUIState:
		return store.UIState(), true
	case preferences.KeyCacheMetadata:
		return preferences.Get(store, key, preferences.CacheMetadata{}), true
	}
	return nil, false
}

func newPrefsCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and write persisted preferences",
		Long: `Preferences live under the "{app}_" namespace of the configured backend.
Use --prefs-dir to keep them in files between runs.`,
	}
	cmd.AddCommand(newPrefsGetCommand(g), newPrefsSetCommand(g), newPrefsRemoveCommand(g), newPrefsInfoCommand(g))
	return cmd
}

func newPrefsGetCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print a preference, with defaults applied for known keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			store := s.layer.Preferences()
			if v, ok := knownPreference(store, args[0]); ok {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			raw, ok := store.Raw(args[0])
			if !ok {
				return fmt.Errorf("preference %s is not set", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newPrefsSetCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Store a preference",
		Long: `Store a JSON value. For known keys the value is merged over the current
one and validated, so partial objects are accepted.`,
		Example: `  dashctl prefs set user_preferences '{"theme":"dark"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			key, value := args[0], []byte(args[1])
			if !json.Valid(value) {
				return errs.Validation("prefs.set", "value is not valid JSON")
			}
			store := s.layer.Preferences()
			if err := setPreference(store, key, value); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", key)
			return err
		},
	}
}

func setPreference(store *preferences.Store, key string, value json.RawMessage) error {
	switch key {
	case preferences.KeyUserPreferences:
		return mergeAndSet(store, key, store.UserPreferences(), value)
	case preferences.KeyDashboardSettings:
		return mergeAndSet(store, key, store.DashboardSettings(), value)
	case preferences.KeyExperimentFilters:
		return mergeAndSet(store, key, store.ExperimentFilters(), value)
	case preferences.KeyUIState:
		return mergeAndSet(store, key, store.UIState(), value)
	case preferences.KeyCacheMetadata:
		return errs.Validation("prefs.set", key+" is managed by the data layer")
	}
	if !store.Set(key, value) {
		return fmt.Errorf("failed to store %s", key)
	}
	return nil
}

func mergeAndSet[T any](store *preferences.Store, key string, current T, value json.RawMessage) error {
	if err := json.Unmarshal(value, &current); err != nil {
		return errs.Validation("prefs.set", fmt.Sprintf("%s: %v", key, err))
	}
	return store.SetValidated(key, current)
}

func newPrefsRemoveCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm KEY",
		Aliases: []string{"remove"},
		Short:   "Remove a preference",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.layer.Preferences().Remove(args[0]) {
				return fmt.Errorf("failed to remove %s", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

func newPrefsInfoCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show storage usage of the preference namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			info := s.layer.Preferences().Info()
			if g.JSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			if !info.Available {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("storage unavailable"))
				return err
			}
			keys := make([]string, 0, len(info.Items))
			for k := range info.Items {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys)+1)
			for _, k := range keys {
				rows = append(rows, []string{k, fmt.Sprint(info.Items[k].Bytes)})
			}
			rows = append(rows, []string{"total", fmt.Sprint(info.TotalBytes)})
			return renderTable(cmd.OutOrStdout(), []string{"KEY", "BYTES"}, rows)
		},
	}
}
