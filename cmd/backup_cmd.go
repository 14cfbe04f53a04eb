package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/dumpctl/internal/catalog"
	"github.com/kebairia/dumpctl/internal/compress"
)

var (
	backupDescription string
	backupCompression string
	cleanupBy         string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Dump the database into a new backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if backupCompression != "" {
			if _, err := compress.Lookup(backupCompression); err != nil {
				return err
			}
			cfg.Backup.Compression = backupCompression
		}
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Println(titleStyle.Render("==> creating backup of " + cfg.Database.Name))
		rec, err := c.Backups().Create(cmd.Context(), backupDescription)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render("[ok] backup completed"))
		printRecord(rec)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := catalog.New(cfg.Backup.StoragePath, catalog.WithLogger(log))
		if err != nil {
			return err
		}
		records, err := cat.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("no backups found in " + cat.Dir()))
			return nil
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("==> backups (%d)", len(records))))
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				rec.ID,
				statusStyle(rec.Status).Render(string(rec.Status)),
				humanize.Bytes(uint64(rec.Size)),
				humanize.Time(rec.CreatedAt),
				orDash(rec.Compression),
				orDash(rec.SchemaVersion),
				rec.Description,
			})
		}
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
				}
				return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
			}).
			Headers("id", "status", "size", "created", "compression", "version", "description").
			Rows(rows...)
		fmt.Println(t)
		return nil
	},
}

var backupShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.New(cfg.Backup.StoragePath, catalog.WithLogger(log))
		if err != nil {
			return err
		}
		rec, err := cat.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("==> backup " + rec.ID))
		printRecord(rec)
		printField("path", cat.PayloadPath(rec))
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete backups and their payloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		result := c.Catalog.DeleteMany(cmd.Context(), args)
		c.Metrics.Evicted("manual", len(result.Succeeded))
		if err := c.Metrics.Flush(); err != nil {
			log.Warn("metrics flush failed", "error", err)
		}
		for _, id := range result.Succeeded {
			fmt.Println(successStyle.Render("[ok] deleted " + id))
		}
		for _, f := range result.Failed {
			fmt.Println(errorStyle.Render(fmt.Sprintf("[error] %s: %s", f.ID, f.Reason)))
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d deletions failed", len(result.Failed), len(args))
		}
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the retention policy",
	Long: `Apply retention. --by age deletes backups older than retention.keep_days;
--by count keeps the newest retention.max_backups.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		var removed []string
		switch strings.ToLower(cleanupBy) {
		case "age":
			removed, err = c.Backups().Cleanup(cmd.Context())
		case "count":
			removed, err = c.Backups().Prune(cmd.Context())
		default:
			return fmt.Errorf("unknown cleanup policy %q: use age or count", cleanupBy)
		}
		for _, name := range removed {
			fmt.Println(dimStyle.Render("  removed " + name))
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("[ok] %d backups removed", len(removed))))
		return err
	},
}

func printRecord(rec *catalog.Record) {
	printField("id", rec.ID)
	printField("status", string(rec.Status))
	printField("file", rec.Filename)
	printField("size", humanize.Bytes(uint64(rec.Size)))
	printField("created", fmt.Sprintf("%s (%s)", rec.CreatedAt.Format(time.DateTime), humanize.Time(rec.CreatedAt)))
	if rec.Duration > 0 {
		printField("duration", rec.Duration.Round(time.Millisecond).String())
	}
	printField("compression", orDash(rec.Compression))
	printField("schema version", orDash(rec.SchemaVersion))
	if rec.Description != "" {
		printField("description", rec.Description)
	}
	if rec.ErrorMessage != "" {
		fmt.Println(errorStyle.Render("  error: " + rec.ErrorMessage))
	}
}

func statusStyle(s catalog.Status) lipgloss.Style {
	color := "241"
	switch s {
	case catalog.StatusCompleted:
		color = "42"
	case catalog.StatusRunning, catalog.StatusPending:
		color = "14"
	case catalog.StatusFailed:
		color = "9"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	backupCreateCmd.Flags().StringVarP(&backupDescription, "description", "d", "", "note stored with the backup")
	backupCreateCmd.Flags().StringVar(&backupCompression, "compression", "", "gzip, zstd or none; overrides backup.compression")
	backupCleanupCmd.Flags().StringVar(&cleanupBy, "by", "age", "retention policy: age or count")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupShowCmd, backupDeleteCmd, backupCleanupCmd)
}
