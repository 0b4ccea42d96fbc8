package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/detect"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/pipeline"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/remap"
)

const maxBodyBytes = 1 << 16

type pressedKey struct {
	Code keymap.KeyCode `json:"code"`
	Name string         `json:"name"`
}

type statsResponse struct {
	pipeline.Counts
	Pressed        int    `json:"pressed"`
	Classification string `json:"classification"`
}

type devicesResponse struct {
	Source  string   `json:"source"`
	Status  string   `json:"status,omitempty"`
	Devices []string `json:"devices"`
}

func (s *Server) registerAPI() {
	s.mux.HandleFunc("GET /api/pressed", s.handlePressed)
	s.mux.HandleFunc("GET /api/captured", s.handleCaptured)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/classification", s.handleClassification)
	s.mux.HandleFunc("GET /api/anomalies", s.handleAnomalies)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)

	s.mux.HandleFunc("GET /api/mappings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Mappings())
	})
	s.mux.HandleFunc("POST /api/mappings", s.handlePutPair(s.engine.AddMapping))
	s.mux.HandleFunc("DELETE /api/mappings/{code}", s.handleDeletePair(s.engine.RemoveMapping))

	s.mux.HandleFunc("GET /api/combos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Combos())
	})
	s.mux.HandleFunc("POST /api/combos", s.handlePutPair(s.engine.AddCombo))
	s.mux.HandleFunc("DELETE /api/combos/{code}", s.handleDeletePair(s.engine.RemoveCombo))

	s.mux.HandleFunc("GET /api/remap", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.RemapSettings())
	})
	s.mux.HandleFunc("PUT /api/remap", s.handleRemapSettings)

	s.mux.HandleFunc("POST /api/reset", func(w http.ResponseWriter, r *http.Request) {
		s.engine.Reset()
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
}

func (s *Server) handlePressed(w http.ResponseWriter, r *http.Request) {
	codes := s.engine.Pressed()
	keys := make([]pressedKey, 0, len(codes))
	for _, c := range codes {
		keys = append(keys, pressedKey{Code: c, Name: s.engine.KeyName(c)})
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCaptured(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	captured := s.engine.Captured(n)
	if captured == nil {
		captured = []remap.CapturedKey{}
	}
	writeJSON(w, http.StatusOK, captured)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Counts:         s.engine.Counts(),
		Pressed:        len(s.engine.Pressed()),
		Classification: s.engine.Report().Label,
	})
}

func (s *Server) handleClassification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Report())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	anomalies := s.engine.Anomalies(n)
	if anomalies == nil {
		anomalies = []detect.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Recent(n))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	resp := devicesResponse{Devices: []string{}}
	if s.source != nil {
		resp.Source = s.source.Name()
		if l, ok := s.source.(deviceLister); ok {
			resp.Status = l.Status()
			resp.Devices = l.DevicePaths()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.config == nil {
		writeError(w, http.StatusNotFound, errors.New("no configuration loaded"))
		return
	}
	writeJSON(w, http.StatusOK, s.config())
}

func (s *Server) handlePutPair(put func(from, to keymap.KeyCode) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m remap.Mapping
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&m); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
		if err := put(m.From, m.To); err != nil {
			s.log.Error("persist failed", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func (s *Server) handleDeletePair(del func(keymap.KeyCode) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.ParseUint(r.PathValue("code"), 10, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid code %q", r.PathValue("code")))
			return
		}
		ok, err := del(keymap.KeyCode(code))
		switch {
		case err != nil:
			s.log.Error("persist failed", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusInternalServerError, err)
		case !ok:
			writeError(w, http.StatusNotFound, fmt.Errorf("no entry for %d", code))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func (s *Server) handleRemapSettings(w http.ResponseWriter, r *http.Request) {
	// Fields missing from the body keep their current values.
	settings := s.engine.RemapSettings()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.engine.UpdateRemapSettings(settings); err != nil {
		s.log.Error("persist failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RemapSettings())
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
