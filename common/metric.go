package common

import (
	"net/http"

	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = log15.New("module", "common")

// NewMetricServer serves /metrics on its own port, e.g. ":9000".
func NewMetricServer(port string) {
	if port == "" {
		return
	}
	log.Info("Starting metric server", "listen", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(port, mux); err != nil {
			log.Error("metric server stopped", "err", err)
		}
	}()
}
