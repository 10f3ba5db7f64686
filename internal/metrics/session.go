package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(sessionsStartedTotal, sessionsFinishedTotal, offlineExcursionsTotal, offlineRestoredTotal, answersTotal, recoveriesTotal)
}

var (
	sessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interview_sessions_started_total",
			Help: "Interview sessions that entered Recording.",
		},
	)

	sessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_sessions_finished_total",
			Help: "Interview sessions that reached a terminal status.",
		},
		[]string{"status", "partial"},
	)

	offlineExcursionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interview_offline_excursions_total",
			Help: "Transitions into the paused-offline state.",
		},
	)

	offlineRestoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interview_offline_restored_total",
			Help: "Paused-offline excursions that resumed before the timeout.",
		},
	)

	answersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_answers_total",
			Help: "Answer results by kind (answered/no_response/recognition_unavailable).",
		},
		[]string{"kind"},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interview_recoveries_total",
			Help: "Recovery passes over interrupted sessions by outcome.",
		},
		[]string{"outcome"},
	)
)

func IncSessionStarted() { sessionsStartedTotal.Inc() }

func IncSessionFinished(status string, partial bool) {
	p := "false"
	if partial {
		p = "true"
	}
	sessionsFinishedTotal.WithLabelValues(norm(status), p).Inc()
}

func IncOfflineExcursion() { offlineExcursionsTotal.Inc() }

func IncOfflineRestored() { offlineRestoredTotal.Inc() }

func IncAnswer(kind string) { answersTotal.WithLabelValues(norm(kind)).Inc() }

func IncRecovery(outcome string) { recoveriesTotal.WithLabelValues(norm(outcome)).Inc() }
