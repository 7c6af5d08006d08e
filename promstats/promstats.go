// Package promstats exports channel counters to Prometheus.
package promstats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/sprotocol"
)

const _namespace = "sprotocol"

// Collector implements sprotocol.Metrics with Prometheus counters. One
// collector may be shared by several channels.
type Collector struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	read     prometheus.Counter
	written  prometheus.Counter
}

// New registers the channel counters on reg. Channels are told apart by
// the constant labels, if any.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   _namespace,
			Name:        "messages_received_total",
			Help:        "Messages decoded from the peer, by family and tag.",
			ConstLabels: constLabels,
		}, []string{"family", "tag"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   _namespace,
			Name:        "messages_sent_total",
			Help:        "Messages encoded for the peer, by family and tag.",
			ConstLabels: constLabels,
		}, []string{"family", "tag"}),
		read: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   _namespace,
			Name:        "read_bytes_total",
			Help:        "Bytes read from the descriptor.",
			ConstLabels: constLabels,
		}),
		written: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   _namespace,
			Name:        "written_bytes_total",
			Help:        "Bytes written to the descriptor.",
			ConstLabels: constLabels,
		}),
	}
}

func (c *Collector) MessageReceived(family sprotocol.Family, tag sprotocol.Tag) {
	c.received.WithLabelValues(family.String(), tag.String()).Inc()
}

func (c *Collector) MessageSent(family sprotocol.Family, tag sprotocol.Tag) {
	c.sent.WithLabelValues(family.String(), tag.String()).Inc()
}

func (c *Collector) BytesRead(n int)    { c.read.Add(float64(n)) }
func (c *Collector) BytesWritten(n int) { c.written.Add(float64(n)) }

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
