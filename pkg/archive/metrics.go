package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// archiveAppendsTotal tracks responses captured during live fetch
	archiveAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawl_archive_appends_total",
			Help: "Total number of responses captured to the archive",
		},
	)

	// archiveReplaysTotal tracks responses served from the archive
	archiveReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawl_archive_replays_total",
			Help: "Total number of responses served from the archive",
		},
	)

	// archiveErrors tracks archive operation failures by kind
	archiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawl_archive_errors_total",
			Help: "Total number of archive operation failures",
		},
		[]string{"kind"}, // "append", "drift", "exhausted"
	)
)
