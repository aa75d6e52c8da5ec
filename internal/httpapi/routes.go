// Package httpapi mounts the probe, metrics and websocket routes.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jensholdgaard/cricket-auctiond/internal/health"
)

// Routes holds the handlers served by the process.
type Routes struct {
	Health   *health.Handler
	Gatherer prometheus.Gatherer
	// Auction serves /auctions/{auctionID}/ws. It only receives traffic
	// while the replica is ready.
	Auction http.Handler
}

// SetupRoutes returns the process router.
func SetupRoutes(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.Health.LivenessHandler())
	r.Get("/readyz", rt.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/auctions/{auctionID}", func(r chi.Router) {
		r.Use(rt.Health.RequireReady)
		r.Get("/ws", rt.Auction.ServeHTTP)
	})
	return r
}
