package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes:
// health check, WebSocket endpoint, Prometheus metrics, and test page.
func SetupRoutes(ws http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
