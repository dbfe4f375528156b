// Package api exposes the control-plane HTTP surface: anchor registry
// management, screen calibration, the assisted calibration procedure, and
// the viewer websocket endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/position.report/internal/broadcast"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/uwb"
	"github.com/banshee-data/position.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// IngressCounters exposes the UDP listener's drop counters on the debug
// endpoint without coupling this package to the listener.
type IngressCounters interface {
	Counts() map[string]uint64
}

type Server struct {
	store   *uwb.TrackerStore
	calib   *uwb.CalibrationEngine
	hub     *broadcast.Hub
	cfgMgr  *config.Manager
	db      *db.DB
	ingress IngressCounters
}

func NewServer(store *uwb.TrackerStore, calib *uwb.CalibrationEngine, hub *broadcast.Hub, cfgMgr *config.Manager, database *db.DB, ingress IngressCounters) *Server {
	return &Server{
		store:   store,
		calib:   calib,
		hub:     hub,
		cfgMgr:  cfgMgr,
		db:      database,
		ingress: ingress,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the full route table. The caller wraps it with
// LoggingMiddleware and attaches debug routes as needed.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/anchors", s.anchorsHandler)
	mux.HandleFunc("/api/screen", s.showScreen)
	mux.HandleFunc("/api/screen/manual", s.setManualScreen)
	mux.HandleFunc("/api/calibration/start", s.calibrationStart)
	mux.HandleFunc("/api/calibration/capture", s.calibrationCapture)
	mux.HandleFunc("/api/calibration/abort", s.calibrationAbort)
	mux.HandleFunc("/api/calibration/status", s.calibrationStatus)
	mux.HandleFunc("/api/trackers", s.listTrackers)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) anchorsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.showAnchors(w, r)
	case http.MethodPost:
		s.replaceAnchors(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) showAnchors(w http.ResponseWriter, _ *http.Request) {
	anchors := s.store.Registry().Positions()
	if err := json.NewEncoder(w).Encode(anchors); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write anchors")
	}
}

// replaceAnchors swaps the whole registry. The installed screen calibration
// is dropped, in memory and on disk: it was fitted against the old geometry.
func (s *Server) replaceAnchors(w http.ResponseWriter, r *http.Request) {
	var anchors map[string]uwb.Vec3
	if err := json.NewDecoder(r.Body).Decode(&anchors); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid anchor payload: %v", err))
		return
	}
	if len(anchors) < 4 {
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Need at least 4 anchors for 3D positioning, got %d", len(anchors)))
		return
	}
	for id := range anchors {
		if id == "" {
			s.writeJSONError(w, http.StatusBadRequest, "Anchor with empty id")
			return
		}
	}

	s.store.ReplaceAnchors(uwb.NewAnchorRegistry(anchors))
	if err := s.cfgMgr.SaveAnchors(anchors); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Anchors applied but not persisted: %v", err))
		return
	}

	log.Printf("[API] anchor registry replaced: %d anchors, screen calibration cleared", len(anchors))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"anchors":        len(anchors),
		"screen_cleared": true,
	})
}

func (s *Server) showScreen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cal := s.store.Screen()
	if cal == nil {
		s.writeJSONError(w, http.StatusNotFound, "No screen calibration installed")
		return
	}
	if err := json.NewEncoder(w).Encode(cal); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write screen calibration")
	}
}

type manualScreenRequest struct {
	Origin   uwb.Vec3 `json:"origin"`
	WidthCm  float64  `json:"width_cm"`
	HeightCm float64  `json:"height_cm"`
}

// setManualScreen installs an axis-aligned screen plane directly, bypassing
// the assisted procedure. Useful for bench setups with known geometry.
func (s *Server) setManualScreen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req manualScreenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid screen payload: %v", err))
		return
	}

	cal, err := uwb.ManualScreenCalibration(req.Origin, req.WidthCm, req.HeightCm)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid screen geometry: %v", err))
		return
	}

	s.store.InstallScreen(cal)
	if err := s.cfgMgr.SaveScreen(&cal); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Screen applied but not persisted: %v", err))
		return
	}

	log.Printf("[API] manual screen installed: %.0fx%.0fcm at (%.1f, %.1f, %.1f)",
		cal.WidthCm, cal.HeightCm, cal.Origin.X, cal.Origin.Y, cal.Origin.Z)
	json.NewEncoder(w).Encode(cal)
}

type calibrationStartRequest struct {
	ReferenceTag string `json:"reference_tag"`
}

func (s *Server) calibrationStart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req calibrationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid start payload: %v", err))
		return
	}
	if req.ReferenceTag == "" {
		s.writeJSONError(w, http.StatusBadRequest, "reference_tag is required")
		return
	}

	if err := s.calib.Start(req.ReferenceTag); err != nil {
		if errors.Is(err, uwb.ErrCalibrationConflict) {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(s.calib.Status())
}

func (s *Server) calibrationCapture(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	step, err := s.calib.Capture()
	if err != nil {
		switch {
		case errors.Is(err, uwb.ErrCalibrationNotRunning):
			s.writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, uwb.ErrCalibrationFit):
			// The run completed and the fit was rejected; the status body
			// carries the failure detail.
			s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			// Solve failure; the step did not advance, the caller retries.
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"step":   step,
		"status": s.calib.Status(),
	})
}

func (s *Server) calibrationAbort(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.calib.Abort(); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	json.NewEncoder(w).Encode(s.calib.Status())
}

func (s *Server) calibrationStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	json.NewEncoder(w).Encode(s.calib.Status())
}

// listTrackers returns the current roster snapshot over plain HTTP, for
// clients that poll instead of holding a websocket.
func (s *Server) listTrackers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.store.Snapshot(time.Now())
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write snapshot")
	}
}

// listHistory returns recorded positions from the history database. Optional
// query parameters: tag, start/end (RFC3339), limit.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "History recording disabled")
		return
	}

	end := time.Now()
	start := end.Add(-1 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'start' parameter")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'end' parameter")
			return
		}
		end = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	records, err := s.db.PositionsInRange(r.URL.Query().Get("tag"), start.UnixNano(), end.UnixNano(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if records == nil {
		records = []db.PositionRecord{}
	}
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write history")
	}
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats := map[string]interface{}{
		"trackers":       s.store.TrackerCount(),
		"viewers":        s.hub.ViewerCount(),
		"dropped_frames": s.hub.DroppedFrames(),
	}
	if s.ingress != nil {
		stats["ingress"] = s.ingress.Counts()
	}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}
