package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ScrapePath = "/metrics"

// promRegistry backs the prometheus metric reader.
var promRegistry = func() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}()

// ScrapeEndpoint mounts the prometheus handler. It only has data when
// OTEL_METRICS_EXPORTER=prometheus.
type ScrapeEndpoint struct{}

func (ScrapeEndpoint) Register(mux *http.ServeMux) {
	mux.Handle("GET "+ScrapePath, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
}

func (ScrapeEndpoint) Middlewares() []func(http.Handler) http.Handler { return nil }
