package hearth

import "github.com/prometheus/client_golang/prometheus"

// Operational counters, registered on the default registry so an
// embedding process can expose them however it likes.
var (
	recordsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_records_ingested_total",
		Help: "Records newly added to the day cache.",
	})
	recordsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_records_duplicate_total",
		Help: "Records dropped because their (time, source) identity already existed.",
	})
	recordsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_records_rejected_total",
		Help: "Inbound records rejected by validation.",
	})
	dayFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_day_flushes_total",
		Help: "Day files written to disk.",
	})
	journalRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_journal_rotations_total",
		Help: "Journal rotations performed.",
	})
	journalReplaySkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_journal_replay_skips_total",
		Help: "Journal lines skipped during replay as malformed or invalid.",
	})
)

func init() {
	prometheus.MustRegister(
		recordsIngestedTotal,
		recordsDuplicateTotal,
		recordsRejectedTotal,
		dayFlushesTotal,
		journalRotationsTotal,
		journalReplaySkipsTotal,
	)
}
