package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_backup_job_launches_total",
		Help: "Job launch attempts by kind and result",
	}, []string{"kind", "result"})

	StatusSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbx_backup_status_sessions_active",
		Help: "Open status streaming sessions",
	}, []string{"kind"})

	StatusTerminalEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_backup_status_terminal_events_total",
		Help: "Terminal status events emitted by kind and status",
	}, []string{"kind", "status"})

	UploadChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_backup_upload_chunks_total",
		Help: "Upload chunks received by result",
	}, []string{"result"})

	ReassemblyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbx_backup_reassembly_duration_seconds",
		Help:    "Time spent concatenating uploaded chunks",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	HookRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_backup_hook_runs_total",
		Help: "Hook executions by phase and result",
	}, []string{"phase", "result"})

	ScheduleSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_backup_schedule_syncs_total",
		Help: "Cron synchronizations by result",
	}, []string{"result"})

	ScheduledEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pbx_backup_scheduled_entries",
		Help: "Cron entries written by the last synchronization",
	})
)
