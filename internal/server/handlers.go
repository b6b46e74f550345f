package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/modules/snapshots"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	databases := map[string]string{}
	for name, db := range map[string]*database.DB{
		"recurrence": s.recurrenceDB,
		"trades":     s.tradesDB,
		"cache":      s.cacheDB,
	} {
		if err := db.QuickCheck(ctx); err != nil {
			databases[name] = err.Error()
			status = "unhealthy"
		} else {
			databases[name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "metascan",
		"databases": databases,
	})
}

// handleLatestPicks returns the most recent scan snapshot
func (s *Server) handleLatestPicks(w http.ResponseWriter, r *http.Request) {
	result, err := s.snapshots.Latest()
	if err != nil {
		if errors.Is(err, snapshots.ErrNoSnapshot) {
			s.writeError(w, http.StatusNotFound, "no scans recorded yet")
			return
		}
		s.log.Error().Err(err).Msg("Failed to load latest snapshot")
		s.writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleRecentOrders returns recently created orders, newest first
func (s *Server) handleRecentOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	orders, err := s.orders.ListRecent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list recent orders")
		s.writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// handleOpenPositions returns all currently open positions
func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.ListOpen()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list open positions")
		s.writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleRecentOutcomes returns recently recorded trade outcomes
func (s *Server) handleRecentOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	results, err := s.outcomes.ListRecent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list recent outcomes")
		s.writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": results,
		"count":    len(results),
	})
}

// handleOutcomeSummary returns aggregated PnL statistics overall and per engine
func (s *Server) handleOutcomeSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.outcomes.Summarize()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to summarize outcomes")
		s.writeError(w, http.StatusInternalServerError, "failed to summarize outcomes")
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// handleTriggerScan starts a scan for the given session in the background.
// Scans can run for minutes so the handler returns immediately.
func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	session := domain.ScanSession(strings.ToUpper(chi.URLParam(r, "session")))
	switch session {
	case domain.SessionPre, domain.SessionAM, domain.SessionPM:
	default:
		s.writeError(w, http.StatusBadRequest, "session must be one of PRE, AM, PM")
		return
	}

	force := r.URL.Query().Get("force") == "true"

	go func() {
		if _, err := s.scanner.RunScan(context.Background(), session, force); err != nil {
			s.log.Error().Err(err).Str("session", string(session)).Msg("Manual scan failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "started",
		"session": session,
		"force":   force,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
