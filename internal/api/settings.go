package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// topicSettingsUpdated is the event log topic of settings writes.
const topicSettingsUpdated = "settings_updated"

// SettingsChange is the event log record of a settings write.
type SettingsChange struct {
	Message string         `json:"message"`
	Changes map[string]any `json:"changes"`
}

// settingsResponse is the body of GET /settings.
type settingsResponse struct {
	// Thresholds are the values alerts are evaluated against; nil when
	// the device has no settings.
	Thresholds *device.Thresholds `json:"thresholds"`

	// Settings is the raw settings node.
	Settings map[string]any `json:"settings,omitempty"`
}

// handleGetSettings returns the active thresholds and the stored
// settings node.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	resp := settingsResponse{Thresholds: s.state.View().Thresholds}
	if s.store != nil && s.settings != "" {
		snap, err := realtime.Read(r.Context(), s.store, s.settings)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		if !snap.Empty {
			if err := snap.Decode(&resp.Settings); err != nil {
				s.logger.Warn("settings node is not an object", "path", s.settings, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePutSettings writes the settings node. readInterval is given in
// seconds and stored in milliseconds; dashboard-only keys are dropped.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.settings == "" {
		writeUnavailable(w, "settings store is not configured")
		return
	}
	var form map[string]any
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil || form == nil {
		writeBadRequest(w, "body must be a JSON object")
		return
	}

	payload, err := device.PrepareSettingsWrite(form)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	ctx := r.Context()
	if err := s.store.Set(ctx, s.settings, payload); err != nil {
		s.commandFailed("settings", err)
		writeCommandError(w, err)
		return
	}
	s.logger.Info("settings updated", "keys", len(payload))

	if s.events != nil {
		rec := SettingsChange{Message: "System settings updated", Changes: payload}
		if _, err := s.events.Append(ctx, topicSettingsUpdated, rec); err != nil {
			s.logger.Warn("settings change not recorded", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settings":   payload,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// topicCalibrationUpdated is the event log topic of calibration toggles.
const topicCalibrationUpdated = "calibration_updated"

// maxLengthBody is the body of the max-length calibration endpoints.
type maxLengthBody struct {
	Enabled *bool `json:"enabled"`
}

// handleGetMaxLength reports whether the level sensor is in empty-tank
// calibration. A missing flag reads as off.
func (s *Server) handleGetMaxLength(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.maxLength == "" {
		writeUnavailable(w, "max length calibration is not configured")
		return
	}
	snap, err := realtime.Read(r.Context(), s.store, s.maxLength)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	var enabled bool
	if !snap.Empty {
		if err := snap.Decode(&enabled); err != nil {
			s.logger.Warn("max length flag is not a boolean", "path", s.maxLength, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// handlePutMaxLength writes the retained calibration flag. The firmware
// records the current ultrasonic reading as the empty-tank distance while
// the flag is on.
func (s *Server) handlePutMaxLength(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.maxLength == "" {
		writeUnavailable(w, "max length calibration is not configured")
		return
	}
	var body maxLengthBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeBadRequest(w, `body must be {"enabled": true|false}`)
		return
	}
	enabled := *body.Enabled

	ctx := r.Context()
	if err := s.store.Set(ctx, s.maxLength, enabled); err != nil {
		s.commandFailed("max_length", err)
		writeCommandError(w, err)
		return
	}
	s.logger.Info("max length calibration toggled", "enabled", enabled)

	if s.events != nil {
		msg := "Max length calibration disabled"
		if enabled {
			msg = "Max length calibration enabled"
		}
		rec := SettingsChange{Message: msg, Changes: map[string]any{"maxLengthStatus": enabled}}
		if _, err := s.events.Append(ctx, topicCalibrationUpdated, rec); err != nil {
			s.logger.Warn("calibration change not recorded", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}
