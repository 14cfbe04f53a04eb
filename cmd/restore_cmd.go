package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kebairia/dumpctl/internal/restore"
)

var (
	restoreMode  string
	restoreForce bool
	restoreYes   bool
)

var errAborted = errors.New("aborted by user")

var restoreCmd = &cobra.Command{
	Use:   "restore <id|latest>",
	Short: "Restore a backup into the live database",
	Long: `Restore a backup.

  normal       replay the dump with psql
  full         drop every table, then replay (asks for confirmation)
  incremental  insert only the rows missing from the live tables`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := restore.ParseMode(restoreMode)
		if err != nil {
			return err
		}
		if mode == restore.ModeFull && !restoreYes {
			if err := confirmDestructive(cfg.Database.Name, "a full restore drops every table in "+cfg.Database.Name); err != nil {
				return err
			}
		}

		c, err := newContainer(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		orch, err := c.Restorer(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("==> %s restore of %s into %s", mode, args[0], cfg.Database.Name)))
		var out restore.Outcome
		if strings.EqualFold(args[0], restore.LatestID) {
			out = orch.RestoreLatest(cmd.Context(), mode, restoreForce, mode == restore.ModeFull)
		} else {
			out = orch.Restore(cmd.Context(), restore.Request{
				BackupID:        args[0],
				Mode:            mode,
				Force:           restoreForce,
				ConfirmDataLoss: mode == restore.ModeFull,
			})
		}
		printOutcome(out)
		if !out.Success {
			return errors.New(out.Message)
		}
		return nil
	},
}

// confirmDestructive asks the user to type dbName before a data-losing action.
func confirmDestructive(dbName, warning string) error {
	fmt.Println(errorStyle.Render("[warn] " + warning))
	fmt.Println(labelStyle.Render("   rows currently in the database are lost"))
	fmt.Print(labelStyle.Render("type the database name to confirm: "))

	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(answer) != dbName {
		return errAborted
	}
	return nil
}

func printOutcome(out restore.Outcome) {
	for _, w := range out.Warnings {
		fmt.Println(warnStyle.Render("[warn] " + w))
	}

	if len(out.Tables) > 0 {
		rows := make([][]string, 0, len(out.Tables))
		for _, t := range out.Tables {
			key := "pk"
			if t.Degraded {
				key = "all columns"
			}
			rows = append(rows, []string{
				t.Name,
				t.Status,
				strconv.Itoa(t.DumpRows),
				strconv.Itoa(t.LiveRows),
				strconv.Itoa(t.Missing),
				strconv.Itoa(t.Inserted),
				strconv.Itoa(t.Skipped),
				strconv.Itoa(t.Failed),
				key,
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
			Headers("table", "status", "dump", "live", "missing", "inserted", "skipped", "failed", "identity").
			Rows(rows...)
		fmt.Println(t)
	}

	if out.Success {
		fmt.Println(successStyle.Render("[ok] " + out.Message))
	} else {
		fmt.Println(errorStyle.Render("[error] " + out.Message))
	}
	fmt.Println(dimStyle.Render("  took " + out.Duration.Round(time.Millisecond).String()))
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreMode, "mode", "m", string(restore.ModeNormal), "normal, full or incremental")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "skip the schema version check")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "do not ask before a full restore")
}
