package tcmu

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the Prometheus collectors a Backend registers for a
// single attached volume: SCSI command counts, error counts and latency by
// opcode, stale-inode reload counts, and bytes read and written through
// the SCSI adapter.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ReloadsTotal    prometheus.Counter
	BytesRead       prometheus.Counter
	BytesWritten    prometheus.Counter
}

// NewMetrics builds a Metrics set labeled with volume, ready to register
// into a prometheus.Registerer.
func NewMetrics(volume string) *Metrics {
	constLabels := prometheus.Labels{"volume": volume}
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "scsi_commands_total",
			Help:        "SCSI commands handled, by opcode.",
			ConstLabels: constLabels,
		}, []string{"opcode"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "scsi_command_errors_total",
			Help:        "SCSI commands that completed with a CHECK CONDITION, by opcode.",
			ConstLabels: constLabels,
		}, []string{"opcode"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "scsi_command_duration_seconds",
			Help:        "Time to service one SCSI command end to end.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"opcode"}),
		ReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "inode_reloads_total",
			Help:        "Stale-inode reloads triggered by a READONLY object write result.",
			ConstLabels: constLabels,
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "bytes_read_total",
			Help:        "Bytes read from the volume through the SCSI adapter.",
			ConstLabels: constLabels,
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "sheepdog_tcmu",
			Name:        "bytes_written_total",
			Help:        "Bytes written to the volume through the SCSI adapter.",
			ConstLabels: constLabels,
		}),
	}
}

// MustRegister registers every collector in m into reg, panicking on a
// duplicate registration the way prometheus.MustRegister does.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CommandsTotal,
		m.CommandErrors,
		m.CommandDuration,
		m.ReloadsTotal,
		m.BytesRead,
		m.BytesWritten,
	)
}
