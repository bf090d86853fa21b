// File: cmd/settings.go
package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/settings"
)

const redacted = "********"

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Reads and writes the persisted user settings",
	}
	cmd.PersistentFlags().String("store", "", "settings backend: file, postgres or memory (overrides store.driver)")
	cmd.AddCommand(newSettingsGetCmd(), newSettingsSetCmd())
	return cmd
}

// openStore opens the configured settings backend. The caller closes it.
func openStore(cmd *cobra.Command) (settings.Store, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	return settings.Open(cmd.Context(), cfg.Store, observability.GetLogger().Named("settings"))
}

func newSettingsGetCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Prints one setting, or every setting when no key is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := settings.Keys()
			if len(args) == 1 {
				k, err := settings.ParseKey(args[0])
				if err != nil {
					return err
				}
				keys = []settings.Key{k}
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			for _, k := range keys {
				v, ok, err := store.Get(cmd.Context(), k)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", k, err)
				}
				switch {
				case !ok:
					v = "<unset>"
				case k == settings.KeyPassword && v != "" && !reveal:
					v = redacted
				}
				if len(args) == 1 {
					fmt.Fprintln(out, v)
				} else {
					fmt.Fprintf(out, "%s=%s\n", k, v)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the password instead of masking it")
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Writes one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := settings.ParseKey(args[0])
			if err != nil {
				return err
			}
			value, err := normalizeSetting(k, args[1])
			if err != nil {
				return err
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Set(cmd.Context(), k, value); err != nil {
				return fmt.Errorf("failed to write %s: %w", k, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated.\n", k)
			return nil
		},
	}
}

// normalizeSetting rejects values the daemon could not read back.
func normalizeSetting(k settings.Key, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	invalid := func(err error) error {
		return schemas.NewTypedError(schemas.ErrorTypeInvalidArgument, fmt.Errorf("%s: %w", k, err))
	}
	switch k {
	case settings.KeyAutoLogin, settings.KeyAutoStart:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", invalid(err)
		}
		return strconv.FormatBool(b), nil
	case settings.KeyLoginMethod:
		m, err := schemas.ParseLoginMethod(v)
		if err != nil {
			return "", invalid(err)
		}
		return string(m), nil
	case settings.KeyMinRerunDelayHour:
		h, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", invalid(err)
		}
		if h < 0 {
			return "", invalid(fmt.Errorf("hours must not be negative"))
		}
		return v, nil
	case settings.KeyLastRunFinishedAt:
		if v == "" {
			return "", nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return "", invalid(err)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case settings.KeyPassword:
		// Passwords keep their surrounding whitespace.
		return raw, nil
	}
	return v, nil
}
