package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/remaster/remaster-agent/internal/backend"
	"github.com/remaster/remaster-agent/internal/session"
)

func NewRouter(cfg ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/status", statusHandler(cfg))
			r.Get("/scenes", scenesHandler(cfg))
			r.Get("/matches", matchesHandler(cfg))
			r.Post("/matches/search", searchHandler(cfg))
			r.Post("/matches/autofill", autoFillHandler(cfg))
			r.Post("/matches/{sceneIndex}", manualMatchHandler(cfg))
			r.Post("/matches/{sceneIndex}/undo-merge", undoMergeHandler(cfg))

			r.Post("/fastwatch/start", fastWatchStartHandler(cfg))
			r.Post("/fastwatch/stop", fastWatchStopHandler(cfg))
			r.Post("/fastwatch/scrub", fastWatchScrubHandler(cfg))
			r.Post("/fastwatch/speed", fastWatchSpeedHandler(cfg))
			r.Post("/fastwatch/autoscroll", autoScrollHandler(cfg))

			r.Post("/cards/{sceneIndex}/play", playCardHandler(cfg))

			r.Get("/events", eventsHandler(cfg))
			r.Get("/runs", runsHandler(cfg))

			r.Get("/media/clip", clipMediaHandler(cfg))
			r.Get("/media/source/{episode}", sourceMediaHandler(cfg))
		})
	})

	// The browser page runs on its own dev origin.
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
	})
	return c.Handler(r)
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

// openSession resolves the project session, creating it on first use.
func openSession(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*session.Service, bool) {
	projectID := chi.URLParam(r, "projectID")
	if projectID == "" {
		WriteError(w, http.StatusBadRequest, "missing project id", "BAD_REQUEST")
		return nil, false
	}

	svc, err := cfg.Sessions.Open(r.Context(), projectID)
	if err != nil {
		writeOperationError(w, err)
		return nil, false
	}
	return svc, true
}

// writeOperationError maps a failed operation to a response: backend
// failures become 502 with the raw message, everything else is a 400.
func writeOperationError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		WriteError(w, http.StatusBadGateway, err.Error(), "BACKEND_ERROR")
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
}

func sceneIndexParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "sceneIndex"))
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, svc.Status())
	}
}

func scenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ScenesResponse{Scenes: svc.Store().Scenes()})
	}
}

func matchesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		store := svc.Store()
		WriteJSON(w, http.StatusOK, MatchesResponse{
			Matches:   store.Matches(),
			Confirmed: store.ConfirmedCount(),
			Total:     store.Total(),
			Complete:  store.Complete(),
		})
	}
}

func searchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		var req SearchRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
		}

		if svc.Status().SearchRunning {
			WriteError(w, http.StatusConflict, "match search already running", "SEARCH_RUNNING")
			return
		}

		// The search outlives this request; progress and the terminal
		// result arrive on the event stream.
		go func() {
			if err := svc.RunMatchSearch(context.Background(), req.MergeContinuous); err != nil {
				cfg.Logger.Error("match search failed", "project_id", svc.ProjectID(), "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

func manualMatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		sceneIndex, err := sceneIndexParam(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid scene index", "BAD_REQUEST")
			return
		}

		var req ManualMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		updated, err := svc.SetManualMatch(r.Context(), sceneIndex, req.Episode, req.StartTime, req.EndTime)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func autoFillHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		filled, err := svc.AutoFill(r.Context())
		if err != nil {
			writeOperationError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, AutoFillResponse{Filled: filled})
	}
}

func undoMergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		sceneIndex, err := sceneIndexParam(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid scene index", "BAD_REQUEST")
			return
		}

		if err := svc.UndoMerge(r.Context(), sceneIndex); err != nil {
			writeOperationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func fastWatchStartHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		var req FastWatchStartRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
		}

		if err := svc.StartFastWatch(r.Context(), req.FromScene, req.Speed); err != nil {
			writeOperationError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func fastWatchStopHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		svc.StopFastWatch()
		w.WriteHeader(http.StatusNoContent)
	}
}

func fastWatchScrubHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		var req ScrubRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if err := svc.Scrub(req.SceneIndex); err != nil {
			writeOperationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func fastWatchSpeedHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		var req SpeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusOK, SpeedResponse{Speed: svc.SetSpeed(req.Speed)})
	}
}

func autoScrollHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		var req AutoScrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		svc.SetAutoScroll(req.Enabled)
		w.WriteHeader(http.StatusNoContent)
	}
}

func playCardHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}

		sceneIndex, err := sceneIndexParam(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid scene index", "BAD_REQUEST")
			return
		}

		c, ok := svc.Card(sceneIndex)
		if !ok {
			WriteError(w, http.StatusNotFound, "scene has no playable match", "NOT_FOUND")
			return
		}

		go func() {
			// Failures surface as card state, not as a response.
			_ = c.PlayBothAndWait(context.Background())
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func runsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			limit, _ = strconv.Atoi(l)
		}

		runs, err := cfg.Repository.ListRuns(r.Context(), projectID, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, RunsResponse{Runs: runs})
	}
}
