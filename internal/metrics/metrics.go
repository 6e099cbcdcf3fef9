// Package metrics exposes Prometheus collectors for the bot.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/qianfan"
)

const namespace = "qianfanbot"

// Metrics holds the bot collectors. It implements bot.Recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	CommandsTotal         *prometheus.CounterVec
	RemoteRequestDuration *prometheus.HistogramVec
	TurnsPersistedTotal   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Handled bot commands by outcome",
			},
			[]string{"command", "outcome"},
		),
		RemoteRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_request_duration_seconds",
				Help:      "Remote model request duration in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"operation", "status"},
		),
		TurnsPersistedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_persisted_total",
				Help:      "Conversation turns written to the history store",
			},
			[]string{"role"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandHandled(command, outcome string) {
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) TurnPersisted(role history.Role) {
	m.TurnsPersistedTotal.WithLabelValues(role.String()).Inc()
}

func (m *Metrics) observeRemote(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RemoteRequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

type instrumentedClient struct {
	next    qianfan.Client
	metrics *Metrics
}

// InstrumentClient wraps client so every remote call is timed.
func InstrumentClient(client qianfan.Client, m *Metrics) qianfan.Client {
	if m == nil {
		return client
	}
	return &instrumentedClient{next: client, metrics: m}
}

func (c *instrumentedClient) Chat(ctx context.Context, req qianfan.ChatRequest) (qianfan.ChatResult, error) {
	start := time.Now()
	res, err := c.next.Chat(ctx, req)
	c.metrics.observeRemote("chat", start, err)
	return res, err
}

func (c *instrumentedClient) Text2Image(ctx context.Context, req qianfan.ImageRequest) (qianfan.ImageResult, error) {
	start := time.Now()
	res, err := c.next.Text2Image(ctx, req)
	c.metrics.observeRemote("text2image", start, err)
	return res, err
}
