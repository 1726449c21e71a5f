package api

import (
	"net/http"

	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/device"
)

// legacyStats is the body of GET /api/stats.
type legacyStats struct {
	SoilMoisture float64            `json:"soilMoisture"`
	WaterLevel   float64            `json:"waterLevel"`
	Temperature  float64            `json:"temperature"`
	AutoMode     bool               `json:"autoMode"`
	LastWatered  device.LastWatered `json:"lastWatered"`
}

func (s *Server) handleLegacyStats(w http.ResponseWriter, _ *http.Request) {
	st := s.state.View().State
	writeJSON(w, http.StatusOK, legacyStats{
		SoilMoisture: st.SoilMoisture1,
		WaterLevel:   st.WaterLevel,
		Temperature:  st.Temperature,
		AutoMode:     st.AutoMode,
		LastWatered:  st.LastWatered,
	})
}

func (s *Server) handleLegacyWaterNow(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeUnavailable(w, "relay control is not configured")
		return
	}
	if _, err := s.relay.Dispatch(r.Context(), device.FieldRelayStatus, true); err != nil {
		s.commandFailed("relay", err)
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Watering started"})
}

func (s *Server) handleLegacyToggleAuto(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		writeUnavailable(w, "mode control is not configured")
		return
	}
	enabled, err := s.modes.Toggle(r.Context(), control.Auto)
	if err != nil {
		s.commandFailed("mode auto", err)
		writeCommandError(w, err)
		return
	}
	msg := "Auto mode disabled"
	if enabled {
		msg = "Auto mode enabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "autoMode": enabled})
}
