package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trackunblock/work/backend"
	"trackunblock/work/types"
	"trackunblock/work/utils"
)

// exportVersion is bumped when the export layout changes incompatibly.
const exportVersion = 1

// exportFile is the YAML layout of a source list backup. Built-in defaults are not
// exported, only the group switch.
type exportFile struct {
	Version         int                  `yaml:"version"`
	DefaultsEnabled bool                 `yaml:"defaultsEnabled"`
	Sources         []types.SourceConfig `yaml:"sources"`
}

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the configured sources",
	}

	cmd.AddCommand(
		newSourcesListCmd(),
		newSourcesAddHTTPCmd(),
		newSourcesAddProxyCmd(),
		newSourcesImportCmd(),
		newSourcesRemoveCmd(),
		newSourcesToggleCmd(),
		newSourcesOrderCmd(),
		newSourcesDefaultsCmd(),
		newSourcesExportCmd(),
		newSourcesLoadCmd(),
	)

	return cmd
}

// --- sources list ---

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			all := a.Store.All()
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), all)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tNAME\tKIND\tENABLED\tDETAIL")
			for i, s := range all {
				id := utils.ShortID(s.ID)
				if s.Builtin {
					id = s.ID
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%s\n", i+1, id, s.Name, s.Kind, s.Enabled, sourceDetail(s))
			}
			if !a.Store.DefaultsEnabled() {
				fmt.Fprintln(tw, "\t\t(built-in defaults disabled)\t\t\t")
			}
			return tw.Flush()
		},
	}
}

func sourceDetail(s types.SourceConfig) string {
	switch s.Kind {
	case types.KindHTTP:
		return s.Params.BaseURL
	case types.KindProxy:
		return fmt.Sprintf("%s (%s)", s.Params.ServerURL, s.Params.Mode)
	case types.KindScript:
		return fmt.Sprintf("%d bytes", len(s.Params.Script))
	}
	return ""
}

// --- sources add-http / add-proxy / import ---

func newSourcesAddHTTPCmd() *cobra.Command {
	var base, template string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add-http <name>",
		Short: "Add a templated HTTP source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addSource(cmd, types.SourceConfig{
				Name:    args[0],
				Kind:    types.KindHTTP,
				Enabled: !disabled,
				Params:  types.SourceParams{BaseURL: base, URLTemplate: template},
			})
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "API base URL")
	cmd.Flags().StringVar(&template, "template", "", "Request template (default "+backend.DefaultURLTemplate+")")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the source disabled")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func newSourcesAddProxyCmd() *cobra.Command {
	var server, mode string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add-proxy <name>",
		Short: "Add a remote matching proxy source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addSource(cmd, types.SourceConfig{
				Name:    args[0],
				Kind:    types.KindProxy,
				Enabled: !disabled,
				Params:  types.SourceParams{ServerURL: server, Mode: types.ProxyMode(mode)},
			})
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Proxy base URL")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeMatch), "Endpoint convention: match, ncmget, gd or search")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the source disabled")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newSourcesImportCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "import <script-file>",
		Short: "Import a plugin script as a source (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			fallback := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			if args[0] == "-" {
				fallback = ""
			}
			cfg, err := backend.ScriptSource(name, fallback, string(src))
			if err != nil {
				return err
			}
			return addSource(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Source name (default: the script's @name header, then the file name)")
	return cmd
}

func addSource(cmd *cobra.Command, cfg types.SourceConfig) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stored, err := a.Store.Add(cfg)
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), stored)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s source %q (%s)\n", stored.Kind, stored.Name, stored.ID)
	return nil
}

// --- sources remove / toggle / order / defaults ---

func newSourcesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a custom source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveID(a.Store.All(), args[0])
			if err != nil {
				return err
			}
			if err := a.Store.Remove(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			return nil
		},
	}
}

func newSourcesToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveID(a.Store.All(), args[0])
			if err != nil {
				return err
			}
			enabled, err := a.Store.Toggle(id)
			if err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", id, state)
			return nil
		},
	}
}

func newSourcesOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <id> <position>",
		Short: "Move a custom source to a 1-based position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil || pos < 1 {
				return fmt.Errorf("invalid position %q", args[1])
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveID(a.Store.Customs(), args[0])
			if err != nil {
				return err
			}
			if err := a.Store.Move(id, pos-1); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to position %d\n", id, pos)
			return nil
		},
	}
}

func newSourcesDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "defaults <on|off>",
		Short:     "Enable or disable the built-in default group",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			a.Store.ToggleDefaults(enabled)
			fmt.Fprintf(cmd.OutOrStdout(), "Built-in defaults %s\n", args[0])
			return nil
		},
	}
}

// resolveID accepts a full id or an unambiguous prefix of one.
func resolveID(list []types.SourceConfig, arg string) (string, error) {
	var found []string
	for _, s := range list {
		if s.ID == arg {
			return s.ID, nil
		}
		if len(arg) >= 4 && len(s.ID) > len(arg) && s.ID[:len(arg)] == arg {
			found = append(found, s.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no source with id %q", arg)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", arg, len(found))
}

// --- sources export / load ---

func newSourcesExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write the custom source list as YAML (stdout by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := yaml.Marshal(exportFile{
				Version:         exportVersion,
				DefaultsEnabled: a.Store.DefaultsEnabled(),
				Sources:         a.Store.Customs(),
			})
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}

			if len(args) == 0 || args[0] == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d sources to %s\n", len(a.Store.Customs()), args[0])
			return nil
		},
	}
}

func newSourcesLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Replace the custom source list from a YAML export (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			var f exportFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse export: %w", err)
			}
			if f.Version > exportVersion {
				return fmt.Errorf("export version %d is newer than supported (%d)", f.Version, exportVersion)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.Replace(f.Sources); err != nil {
				return err
			}
			a.Store.ToggleDefaults(f.DefaultsEnabled)
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d sources\n", len(f.Sources))
			return nil
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
