// Package api exposes the read-only result API over the assets table plus
// health, status and admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// Default timestamp window when the query omits from/to.
const (
	defaultFrom int64 = 0
	defaultTo   int64 = 9999999999
)

// Store is the read surface the API serves from.
type Store interface {
	Stats(ctx context.Context) (map[string]int64, error)
	AssetsByWindow(ctx context.Context, from, to int64) ([]models.Asset, error)
	AssetsByProtocol(ctx context.Context, protocolID string, from, to int64) ([]models.Asset, error)
}

// Server hosts the HTTP API.
type Server struct {
	store       Store
	recalculate func(ctx context.Context) error
	auth        *authMiddleware
	limiter     *ipLimiter
	log         zerolog.Logger

	recalcBusy atomic.Bool
	httpServer *http.Server
}

func NewServer(store Store, recalculate func(ctx context.Context) error, port int, jwtSecret string, log zerolog.Logger) *Server {
	s := &Server{
		store:       store,
		recalculate: recalculate,
		auth:        newAuthMiddleware(jwtSecret),
		limiter:     newIPLimiterFromEnv(),
		log:         log.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/assets/all", s.handleAssetsAll).Methods(http.MethodGet)
	r.HandleFunc("/assets/{protocol_id}", s.handleAssetsByProtocol).Methods(http.MethodGet)
	r.HandleFunc("/admin/recalculate", s.auth.wrap(s.handleRecalculate)).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      rateLimitMiddleware(s.limiter, r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting API server")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseWindow reads from/to query params, defaulting to the full range.
func parseWindow(r *http.Request) (int64, int64, error) {
	from, to := defaultFrom, defaultTo
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid from: %q", v)
		}
		from = n
	}
	if v := r.URL.Query().Get("to"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid to: %q", v)
		}
		to = n
	}
	return from, to, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("status query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAssetsAll(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assets, err := s.store.AssetsByWindow(r.Context(), from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("assets query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleAssetsByProtocol(w http.ResponseWriter, r *http.Request) {
	protocolID := mux.Vars(r)["protocol_id"]
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assets, err := s.store.AssetsByProtocol(r.Context(), protocolID, from, to)
	if err != nil {
		s.log.Error().Err(err).Str("protocol", protocolID).Msg("assets query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// handleRecalculate kicks off a full CAR pass in the background. Repeated
// calls while one is running are rejected.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if !s.recalcBusy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "recalculation already running")
		return
	}
	go func() {
		defer s.recalcBusy.Store(false)
		if err := s.recalculate(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("recalculation failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
