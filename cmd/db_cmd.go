package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the live database",
}

var dbTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check that the database is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		live, err := c.Live(cmd.Context())
		if err != nil {
			return err
		}
		if err := live.Ping(cmd.Context()); err != nil {
			return err
		}
		server, err := live.ServerVersion(cmd.Context())
		if err != nil {
			return err
		}
		version, err := live.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("[ok] connected to %s on %s:%d", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)))
		printField("server", server)
		printField("schema version", orDash(version))
		return nil
	},
}

var dbInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database size and tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		live, err := c.Live(cmd.Context())
		if err != nil {
			return err
		}
		info, err := live.Info(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render("==> database " + info.Name))
		printField("server", info.ServerVersion)
		printField("size", humanize.Bytes(uint64(info.SizeBytes)))
		printField("tables", strconv.Itoa(len(info.Tables)))
		if len(info.Tables) == 0 {
			return nil
		}

		rows := make([][]string, 0, len(info.Tables))
		for _, t := range info.Tables {
			rows = append(rows, []string{t.Name, strconv.Itoa(len(t.Columns)), strings.Join(t.Columns, ", ")})
		}
		fmt.Println(table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
			Headers("table", "columns", "names").
			Rows(rows...))
		return nil
	},
}

var dbClearYes bool

var dbClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Truncate every table, keeping the schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !dbClearYes {
			if err := confirmDestructive(cfg.Database.Name, "clearing truncates every table in "+cfg.Database.Name); err != nil {
				return err
			}
		}
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		live, err := c.Live(cmd.Context())
		if err != nil {
			return err
		}
		cleared, err := live.TruncateAllTables(cmd.Context())
		for _, name := range cleared {
			fmt.Println(dimStyle.Render("  truncated " + name))
		}
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("[ok] %d tables truncated", len(cleared))))
		return nil
	},
}

func init() {
	dbClearCmd.Flags().BoolVarP(&dbClearYes, "yes", "y", false, "do not ask for confirmation")
	dbCmd.AddCommand(dbTestCmd, dbInfoCmd, dbClearCmd)
}
