package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/core"
	"github.com/nerrad567/irrigation-core/internal/device"
)

// stateResponse is the body of GET /state.
type stateResponse struct {
	*core.View
	KnownFields []string `json:"known_fields"`
}

// relayRequest is the body of POST /relay.
type relayRequest struct {
	On *bool `json:"on"`
}

// modeRequest is the body of PUT /mode/{mode}.
type modeRequest struct {
	Enabled *bool `json:"enabled"`
}

// commandResponse describes a finished command.
type commandResponse struct {
	ID         string `json:"id"`
	Field      string `json:"field"`
	TargetPath string `json:"target_path"`
	Desired    any    `json:"desired"`
	Previous   any    `json:"previous"`
	Outcome    string `json:"outcome"`
}

// CommandNotice is broadcast on the notice channel when a command fails.
type CommandNotice struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Message   string    `json:"message"`
}

// handleGetState returns the reconciled device view.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	v := s.state.View()
	writeJSON(w, http.StatusOK, stateResponse{View: v, KnownFields: v.KnownFields()})
}

// handleSetRelay switches the relay. The local state changes at once and
// is rolled back if the device store rejects the write.
func (s *Server) handleSetRelay(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "relay control is not configured")
		return
	}
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeBadRequest(w, `body must be {"on": true|false}`)
		return
	}

	cmd, err := s.relay.Dispatch(r.Context(), device.FieldRelayStatus, *req.On)
	if err != nil {
		s.commandFailed("relay", err)
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

// handleSetMode enables or disables a control mode.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		writeUnavailable(w, "mode control is not configured")
		return
	}
	mode, err := control.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeBadRequest(w, `body must be {"enabled": true|false}`)
		return
	}

	if err := s.modes.Set(r.Context(), mode, *req.Enabled); err != nil {
		s.commandFailed("mode "+string(mode), err)
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.modeResponse())
}

// handleToggleMode flips a control mode.
func (s *Server) handleToggleMode(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		writeUnavailable(w, "mode control is not configured")
		return
	}
	mode, err := control.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.modes.Toggle(r.Context(), mode); err != nil {
		s.commandFailed("mode "+string(mode), err)
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.modeResponse())
}

func (s *Server) modeResponse() map[string]any {
	st := s.state.View().State
	return map[string]any{
		"mode":      st.Mode(),
		"autoMode":  st.AutoMode,
		"schedMode": st.SchedMode,
	}
}

// commandFailed logs a failed command and tells connected clients.
func (s *Server) commandFailed(command string, err error) {
	s.logger.Warn("command failed", "command", command, "error", err)
	s.hub.Broadcast(core.ChannelNotice, CommandNotice{
		Timestamp: time.Now().UTC(),
		Command:   command,
		Message:   err.Error(),
	})
}

func toCommandResponse(c control.Command) commandResponse {
	return commandResponse{
		ID:         c.ID,
		Field:      c.Field.String(),
		TargetPath: c.TargetPath,
		Desired:    c.DesiredValue,
		Previous:   c.PreviousValue,
		Outcome:    c.Outcome.String(),
	}
}
