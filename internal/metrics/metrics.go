package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_started_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_finished_total",
			Help: "Total number of research sessions reaching a terminal status",
		},
		[]string{"status"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_sessions_active",
			Help: "Number of session tasks currently running in this process",
		},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_session_duration_seconds",
			Help:    "Wall time from task start to terminal status",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	// Section pipeline metrics
	SectionAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_section_attempts_total",
			Help: "Draft attempts across all sections",
		},
	)

	SectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sections_accepted_total",
			Help: "Sections accepted, by whether they passed review or were force-accepted",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_agent_calls_total",
			Help: "Reasoning provider calls by role and status",
		},
		[]string{"role", "status"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_agent_call_duration_seconds",
			Help:    "Reasoning provider call latency by role",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"role"},
	)

	// Source collection metrics
	SourceSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_source_searches_total",
			Help: "Web searches by provider and status",
		},
		[]string{"provider", "status"},
	)

	SourceExtractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_source_extractions_total",
			Help: "Page content extractions by status",
		},
		[]string{"status"},
	)

	// Update bus metrics
	BusPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_bus_publishes_total",
			Help: "Updates appended and fanned out",
		},
	)

	BusObserversDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_bus_observers_dropped_total",
			Help: "Observers removed for not keeping up",
		},
	)

	BusObservers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_bus_observers",
			Help: "Currently attached observers",
		},
	)

	// Approval metrics
	ApprovalWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_approval_wait_seconds",
			Help:    "Time spent waiting for plan approval, by outcome",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// Report metrics
	ReportsRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_reports_rendered_total",
			Help: "Report render attempts by status",
		},
		[]string{"status"},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_notifications_total",
			Help: "Lifecycle notifications by backend and status",
		},
		[]string{"backend", "status"},
	)
)

// RecordAgentCall records one reasoning provider call.
func RecordAgentCall(role string, durationSeconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	AgentCalls.WithLabelValues(role, status).Inc()
	AgentCallDuration.WithLabelValues(role).Observe(durationSeconds)
}

// RecordSessionFinished records a terminal status and the task duration.
func RecordSessionFinished(status string, durationSeconds float64) {
	SessionsFinished.WithLabelValues(status).Inc()
	SessionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// StatusLabel maps an error to a metrics status label.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
