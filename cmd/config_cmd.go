package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kebairia/dumpctl/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		source := ConfigFile
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Println(titleStyle.Render("==> configuration from " + source))

		settings := cfg.Settings()
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-28s", k)), valueStyle.Render(fmt.Sprint(settings[k])))
		}
		if cfg.Database.Password != "" {
			fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-28s", "database.password")), dimStyle.Render("(set)"))
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write a configuration file with default values",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(_ *cobra.Command, args []string) error {
		path := "dumpctl.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		exists, err := afero.Exists(afero.NewOsFs(), path)
		if err != nil {
			return err
		}
		if exists && !configInitForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}

		var defaults config.Config
		if err := defaults.Load(""); err != nil {
			return err
		}
		if err := defaults.Save(path); err != nil {
			return err
		}
		if err := os.Chmod(path, 0o600); err != nil {
			log.Warn("could not restrict config permissions", "path", path, "error", err)
		}
		fmt.Println(successStyle.Render("[ok] wrote " + path))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
