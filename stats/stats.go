// Package stats tracks dispatcher metrics: Prometheus collectors for
// scraping, mirrored into shared-store counters so sibling workers and
// legacy consumers see cluster-wide totals.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/NVIDIA/aiscan/cmn/nlog"
	"github.com/NVIDIA/aiscan/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared-store counter names (the cross-worker totals).
const (
	FilesCompleteCounter       = "dispatch.files_complete"
	SubmissionsCompleteCounter = "dispatch.submissions_complete"
	ServiceTasksCounter        = "dispatch.service_tasks"
)

type Tracker struct {
	st  store.Store
	reg *prometheus.Registry

	filesComplete prometheus.Counter
	subsComplete  prometheus.Counter
	serviceTasks  *prometheus.CounterVec
}

func NewTracker(st store.Store) *Tracker {
	t := &Tracker{
		st:  st,
		reg: prometheus.NewRegistry(),
		filesComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_files_complete_total",
			Help: "Files that cleared every applicable pipeline stage.",
		}),
		subsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_submissions_complete_total",
			Help: "Submissions finalized.",
		}),
		serviceTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_service_tasks_total",
			Help: "Tasks pushed to per-service queues.",
		}, []string{"service"}),
	}
	t.reg.MustRegister(t.filesComplete, t.subsComplete, t.serviceTasks)
	return t
}

func (t *Tracker) IncFilesComplete() {
	t.filesComplete.Inc()
	t.inc(FilesCompleteCounter)
}

func (t *Tracker) IncSubmissionsComplete() {
	t.subsComplete.Inc()
	t.inc(SubmissionsCompleteCounter)
}

func (t *Tracker) IncServiceTasks(service string) {
	t.serviceTasks.WithLabelValues(service).Inc()
	t.inc(ServiceTasksCounter)
}

func (t *Tracker) inc(name string) {
	if _, err := t.st.Counter(name).Inc(1); err != nil {
		nlog.Warningf("stats: failed to bump %s: %v", name, err)
	}
}

// Handler serves the Prometheus scrape endpoint.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}
