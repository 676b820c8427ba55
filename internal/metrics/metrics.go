package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravacal",
		Subsystem: "webhook",
		Name:      "notifications_total",
		Help:      "Webhook requests by outcome.",
	}, []string{"result"})
	dispatchTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravacal",
		Subsystem: "dispatch",
		Name:      "tasks_total",
		Help:      "Background sync tasks by outcome.",
	}, []string{"result"})
	calendarMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravacal",
		Subsystem: "calendar",
		Name:      "merges_total",
		Help:      "Calendar store merges by store and whether an entry was inserted.",
	}, []string{"store", "inserted"})
	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravacal",
		Subsystem: "auth",
		Name:      "token_refreshes_total",
		Help:      "Upstream token refresh attempts by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(webhookNotifications, dispatchTasks, calendarMerges, tokenRefreshes)
}

// RecordWebhook counts a webhook request with the given outcome label.
func RecordWebhook(result string) {
	webhookNotifications.WithLabelValues(result).Inc()
}

// RecordDispatch counts a background task outcome (queued, dropped, succeeded, failed).
func RecordDispatch(result string) {
	dispatchTasks.WithLabelValues(result).Inc()
}

// RecordMerge counts a calendar merge.
func RecordMerge(store string, inserted bool) {
	label := "false"
	if inserted {
		label = "true"
	}
	calendarMerges.WithLabelValues(store, label).Inc()
}

// RecordTokenRefresh counts a token refresh attempt.
func RecordTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}
