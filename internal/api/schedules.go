package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// scheduleRequest is the body of POST and PUT /schedules.
type scheduleRequest struct {
	StartTime  string `json:"start_time"`
	DaysOfWeek string `json:"days_of_week"`
}

// handleListSchedules returns every schedule in id order.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeUnavailable(w, "schedules are not configured")
		return
	}
	list, err := s.schedules.List(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": list,
		"count":     len(list),
	})
}

// handleCreateSchedule adds a schedule under the next free id.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	sched, err := s.schedules.Add(r.Context(), req.StartTime, req.DaysOfWeek)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// handleUpdateSchedule replaces an existing schedule's time and days.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	sched, err := s.schedules.Update(r.Context(), chi.URLParam(r, "id"), req.StartTime, req.DaysOfWeek)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeUnavailable(w, "schedules are not configured")
		return
	}
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeSchedule(w http.ResponseWriter, r *http.Request) (scheduleRequest, bool) {
	if s.schedules == nil {
		writeUnavailable(w, "schedules are not configured")
		return scheduleRequest{}, false
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return scheduleRequest{}, false
	}
	return req, true
}
