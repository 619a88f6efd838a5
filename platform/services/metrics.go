package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	projectsCreatedMetric  = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_projects_created", Help: "Projects created"})
	versionsUploadedMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_versions_uploaded", Help: "Project versions uploaded"})
	uploadBytesMetric      = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_upload_bytes", Help: "Total bytes of uploaded design archives"})

	analysesStartedMetric   = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_analyses_started", Help: "Analysis runs started"})
	analysesCompletedMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_analyses_completed", Help: "Analysis runs completed"})
	analysesFailedMetric    = promauto.NewCounter(prometheus.CounterOpts{Name: "boardmint_analyses_failed", Help: "Analysis runs failed"})
	analysisDurationMetric  = promauto.NewSummary(prometheus.SummaryOpts{Name: "boardmint_analysis_duration_seconds", Help: "Analysis engine run duration"})
)
