package restapi

import (
	"crypto/rsa"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keysentinel/agent/internal/live"
)

// NewRouter returns a configured chi.Router for the keysentinel fleet
// dashboard API.
//
// Route layout:
//
//	GET  /healthz              – liveness probe (no authentication required)
//	GET  /api/v1/detections     – paginated detection query (JWT required)
//	GET  /api/v1/hosts          – list all hosts (JWT required)
//	GET  /api/v1/events         – paginated monitor event query (JWT required)
//	GET  /api/v1/live           – WebSocket upgrade for the live detection feed (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, bc *live.Broadcaster, logger *slog.Logger, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	ws := NewWSHandler(bc, logger, 10*time.Second)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/detections", srv.handleGetDetections)
		r.Get("/hosts", srv.handleGetHosts)
		r.Get("/events", srv.handleGetEvents)
		r.Get("/live", ws.ServeHTTP)
	})

	return otelhttp.NewHandler(r, "restapi")
}
