// Package metrics counts backups, restores and evictions, and exports them
// as a node_exporter textfile. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dumpctl"

// Metrics owns a private registry so tests and reloads never collide on the
// global one.
type Metrics struct {
	registry     *prometheus.Registry
	textfilePath string

	backups     *prometheus.CounterVec
	restores    *prometheus.CounterVec
	restoreRows *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	lastBackup  prometheus.Gauge
}

// New registers the collectors. textfilePath may be empty, in which case
// Flush is a no-op.
func New(textfilePath string) *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		textfilePath: textfilePath,
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups attempted, by final status.",
		}, []string{"status"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restores attempted, by mode and result.",
		}, []string{"mode", "result"}),
		restoreRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_rows_total",
			Help:      "Rows handled by incremental restores, by result.",
		}, []string{"result"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_backups_total",
			Help:      "Backups removed by retention, by reason.",
		}, []string{"reason"}),
		lastBackup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_timestamp_seconds",
			Help:      "Unix time of the last completed backup.",
		}),
	}
	m.registry.MustRegister(m.backups, m.restores, m.restoreRows, m.evicted, m.lastBackup)
	return m
}

// BackupFinished counts a backup with its final status ("completed", "failed").
func (m *Metrics) BackupFinished(status string, at time.Time) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(status).Inc()
	if status == "completed" {
		m.lastBackup.Set(float64(at.Unix()))
	}
}

// RestoreFinished counts a restore and, for incremental runs, its rows.
func (m *Metrics) RestoreFinished(mode string, success bool, inserted, skipped, failed int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.restores.WithLabelValues(mode, result).Inc()
	m.restoreRows.WithLabelValues("inserted").Add(float64(inserted))
	m.restoreRows.WithLabelValues("skipped").Add(float64(skipped))
	m.restoreRows.WithLabelValues("failed").Add(float64(failed))
}

// Evicted counts n backups removed for reason ("count", "age", "manual").
func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evicted.WithLabelValues(reason).Add(float64(n))
}

// Flush writes the current values to the textfile, atomically.
func (m *Metrics) Flush() error {
	if m == nil || m.textfilePath == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.textfilePath, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", m.textfilePath, err)
	}
	return nil
}
