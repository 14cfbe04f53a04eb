package cmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/kebairia/dumpctl/internal/config"
	"github.com/kebairia/dumpctl/internal/scheduler"
	"github.com/kebairia/dumpctl/internal/service"
)

var daemonRunNow bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled backups and cleanup until interrupted",
	Long: `Run the backup job every backup.interval and, when retention.cleanup_enabled
is set, the cleanup job every retention.cleanup_interval. Jobs never overlap.
Changes to the config file are picked up without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		v := config.NewViper()
		var current config.Config
		if err := current.LoadFrom(v, ConfigFile); err != nil {
			return err
		}
		c, err := service.New(ctx, current, log)
		if err != nil {
			return err
		}
		holder := service.NewHolder(c)
		defer func() { holder.Get().Close() }()

		var lock sync.Mutex
		sup := scheduler.NewSupervisor(log, scheduler.DefaultSupervisorConfig())
		sup.Schedule(holder.Jobs(&lock)...)

		if ConfigFile != "" {
			var reloadMu sync.Mutex
			v.OnConfigChange(func(e fsnotify.Event) {
				reloadMu.Lock()
				defer reloadMu.Unlock()

				var next config.Config
				if err := next.LoadFrom(v, ""); err != nil {
					log.Error("config reload rejected, keeping previous", "file", e.Name, "error", err)
					return
				}
				nc, err := service.New(ctx, next, log)
				if err != nil {
					log.Error("config reload failed, keeping previous", "file", e.Name, "error", err)
					return
				}
				prev := holder.Swap(nc)
				sup.Schedule(holder.Jobs(&lock)...)
				if err := prev.Close(); err != nil {
					log.Warn("closing previous database handle", "error", err)
				}
				log.Info("config reloaded", "file", e.Name)
			})
			v.WatchConfig()
		}

		if daemonRunNow {
			sup.Job(service.BackupJob).Trigger()
		}

		log.Info("daemon started",
			"database", current.Database.Name,
			"backup_interval", current.Backup.Interval.String(),
			"cleanup_enabled", current.Retention.CleanupEnabled,
		)
		fmt.Println(titleStyle.Render("==> dumpctl daemon running, press Ctrl+C to stop"))

		err = sup.Serve(ctx)
		for _, job := range sup.Jobs() {
			st := job.Status()
			log.Info("job summary",
				"job", st.Name,
				"runs", st.Runs,
				"failures", st.Failures,
				"last_run", st.LastRun.Format(time.RFC3339),
			)
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		log.Info("daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonRunNow, "run-now", false, "take a backup immediately on start")
}
