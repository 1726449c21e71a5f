package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/irrigation-core/internal/audit"
)

// handleListEvents returns event log records, newest first.
//
// Query parameters: topic (optional), limit (default 50, max 200),
// offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventRepo == nil {
		writeUnavailable(w, "event log is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Topic: q.Get("topic")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.eventRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
