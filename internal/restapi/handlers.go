package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/keysentinel/agent/internal/collectorstore"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetDetections responds to GET /api/v1/detections.
//
// Supported query parameters:
//
//	host_id    – exact host UUID filter (optional)
//	min_score  – minimum threat_score, inclusive (optional)
//	from       – RFC3339 start of the received_at window (required)
//	to         – RFC3339 end of the received_at window (required)
//	limit      – maximum number of results (default 100, max 1000)
//	offset     – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of DetectionRecord objects on success.
func (s *Server) handleGetDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	dq := collectorstore.DetectionQuery{From: from, To: to}

	if hostID := q.Get("host_id"); hostID != "" {
		dq.HostID = hostID
	}

	if minScoreStr := q.Get("min_score"); minScoreStr != "" {
		minScore, err := strconv.Atoi(minScoreStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'min_score' must be an integer")
			return
		}
		dq.MinScore = minScore
	}

	limit, offset, ok := parsePagination(w, q)
	if !ok {
		return
	}
	dq.Limit = limit
	dq.Offset = offset

	detections, err := s.store.QueryDetections(r.Context(), dq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query detections")
		return
	}

	if detections == nil {
		detections = []collectorstore.DetectionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(detections)
}

// handleGetHosts responds to GET /api/v1/hosts.
//
// Returns HTTP 200 with a JSON array of all registered Host objects.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}

	if hosts == nil {
		hosts = []collectorstore.Host{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(hosts)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	host_id – exact host UUID (optional)
//	from    – RFC3339 start of the received_at window (required)
//	to      – RFC3339 end of the received_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of MonitorEventRecord objects on success.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	eq := collectorstore.EventQuery{From: from, To: to}
	if hostID := q.Get("host_id"); hostID != "" {
		eq.HostID = hostID
	}

	limit, offset, ok := parsePagination(w, q)
	if !ok {
		return
	}
	eq.Limit = limit
	eq.Offset = offset

	events, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	if events == nil {
		events = []collectorstore.MonitorEventRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}

// parseWindow validates the required 'from'/'to' RFC3339 query parameters.
// On failure it writes the error response itself and returns ok=false.
func parseWindow(w http.ResponseWriter, q map[string][]string) (from, to time.Time, ok bool) {
	fromStr := first(q, "from")
	toStr := first(q, "to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// parsePagination validates the optional 'limit'/'offset' query parameters,
// defaulting limit to 100 (capped at 1000) and offset to 0.
func parsePagination(w http.ResponseWriter, q map[string][]string) (limit, offset int, ok bool) {
	limit = 100
	if limitStr := first(q, "limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return 0, 0, false
		}
		if l > 1000 {
			l = 1000
		}
		limit = l
	}

	if offsetStr := first(q, "offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil || o < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return 0, 0, false
		}
		offset = o
	}

	return limit, offset, true
}

func first(q map[string][]string, key string) string {
	if v, ok := q[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}
