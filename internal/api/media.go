package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remaster/remaster-agent/internal/session"
)

// Headers copied from the upstream media response. Range support is what
// makes seeking work in the page's video elements.
var mediaHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

func clipMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		proxyMedia(cfg, svc, w, r, svc.ClipURL())
	}
}

func sourceMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := openSession(cfg, w, r)
		if !ok {
			return
		}
		episode := chi.URLParam(r, "episode")
		if episode == "" {
			WriteError(w, http.StatusBadRequest, "missing episode", "BAD_REQUEST")
			return
		}
		proxyMedia(cfg, svc, w, r, svc.SourceURL(episode))
	}
}

// proxyMedia streams one backend media URL to the page, passing the Range
// header through so partial fetches keep working end to end.
func proxyMedia(cfg ServerConfig, svc *session.Service, w http.ResponseWriter, r *http.Request, mediaURL string) {
	resp, err := svc.Client().FetchMedia(r.Context(), mediaURL, r.Header.Get("Range"))
	if err != nil {
		cfg.Logger.Warn("media fetch failed", "url", mediaURL, "error", err)
		WriteError(w, http.StatusBadGateway, "upstream media fetch failed", "BACKEND_ERROR")
		return
	}
	defer resp.Body.Close()

	for _, h := range mediaHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client seeks abort the copy constantly; nothing to do.
		cfg.Logger.Debug("media copy interrupted", "url", mediaURL, "error", err)
	}
}
