// Package server implements the relay service: the websocket hub, per-room
// state, the event handlers, and the HTTP surface that serves the web UI.
package server

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/syng-dev/syng-go/internal/logging"
)

//go:embed assets
var assetsFS embed.FS

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	log := logging.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("elapsed", time.Since(start).Round(time.Millisecond)).
			Msg("request")
	})
}

// NewHandler builds the HTTP handler: static web UI at / and /{room},
// assets, and the websocket endpoint at /ws. A non-empty rootFolder serves
// the web UI from disk instead of the embedded copy.
func NewHandler(svc *Service, rootFolder string) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	var assets fs.FS
	if rootFolder != "" {
		assets = os.DirFS(rootFolder)
	} else {
		sub, err := fs.Sub(assetsFS, "assets")
		if err != nil {
			panic(err)
		}
		assets = sub
	}

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		// The room code is client-side routing; every room URL gets the
		// same page.
		data, err := fs.ReadFile(assets, "index.html")
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	}

	router.Get("/", serveIndex)
	router.Get("/{room:[A-Za-z]+}", serveIndex)
	router.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))
	router.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.FileServer(http.FS(assets)).ServeHTTP(w, r)
	})
	router.Get("/ws", svc.Hub().ServeWS)

	return router
}
