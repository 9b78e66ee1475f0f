// Package restapi provides the HTTP REST API layer for the keysentinel fleet
// collector dashboard: a chi router, RS256 JWT authentication middleware, and
// handlers for /api/v1/detections, /api/v1/hosts, and /api/v1/events, plus a
// hand-rolled WebSocket upgrade endpoint for live detection push.
//
// Adapted from the teacher's internal/server/rest package: the chi router
// layout, JWT middleware, and query-parameter validation are kept; the rows
// served are collectorstore's Detection/Host/MonitorEvent records instead of
// the teacher's Alert/Host/AuditEntry rows.
package restapi

import (
	"context"

	"github.com/keysentinel/agent/internal/collectorstore"
)

// Store is the subset of collectorstore.Store methods used by the REST
// handlers. Defining an interface allows handlers to be tested with a mock
// store without a live PostgreSQL connection.
type Store interface {
	QueryDetections(ctx context.Context, q collectorstore.DetectionQuery) ([]collectorstore.DetectionRecord, error)
	ListHosts(ctx context.Context) ([]collectorstore.Host, error)
	QueryEvents(ctx context.Context, q collectorstore.EventQuery) ([]collectorstore.MonitorEventRecord, error)
}
