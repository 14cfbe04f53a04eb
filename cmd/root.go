package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kebairia/dumpctl/internal/config"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/service"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)
)

var (
	// ConfigFile is the path to the YAML configuration. Empty means defaults
	// plus DUMPCTL_* environment overrides.
	ConfigFile string
	logLevel   string

	cfg     config.Config
	log     logger.Logger = logger.Nop()
	syncLog           = func() {}

	rootCmd = &cobra.Command{
		Use:   "dumpctl",
		Short: "Back up and restore a PostgreSQL database",
		Long: `dumpctl takes catalogued pg_dump backups of a PostgreSQL database and
restores them, either by replaying the dump or by inserting only the rows
missing from the live tables.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { syncLog() },
	}
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		syncLog()
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %v", err)))
		stop()
		os.Exit(1)
	}
}

// skipConfig marks commands that must run without a valid configuration.
const skipConfig = "skip-config"

func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipConfig] == "true" {
		return initLogger("")
	}
	if err := cfg.Load(ConfigFile); err != nil {
		return err
	}
	return initLogger(cfg.Log.Format)
}

func initLogger(format string) error {
	level := logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	if level == "" {
		level = "info"
	}
	l, sync, err := logger.New(level, format)
	if err != nil {
		return err
	}
	log, syncLog = l, sync
	return nil
}

// newContainer builds the components for the loaded configuration.
func newContainer(ctx context.Context) (*service.Container, error) {
	return service.New(ctx, cfg, log)
}

func printField(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-16s", label+":")), valueStyle.Render(value))
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(daemonCmd)
}
