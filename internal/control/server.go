package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/snapshot"
)

// DefaultFeedInterval is how often the status feed pushes an update.
const DefaultFeedInterval = 100 * time.Millisecond

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// ServerConfig configures the control API server.
type ServerConfig struct {
	Addr string
	// Cert enables TLS when set.
	Cert *certs.CertInfo
	// CORSOrigin is sent as Access-Control-Allow-Origin; empty sends "*".
	CORSOrigin   string
	FeedInterval time.Duration
}

// Server exposes a Controller over HTTP: a JSON API, a websocket status
// feed, per-view JPEG frames and Prometheus metrics.
type Server struct {
	cfg      ServerConfig
	ctl      *Controller
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a server for ctl. If log is nil, slog.Default() is used.
func NewServer(cfg ServerConfig, ctl *Controller, log *slog.Logger) (*Server, error) {
	if ctl == nil {
		return nil, errors.New("control: controller is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("control: Addr is required")
	}
	if cfg.FeedInterval <= 0 {
		cfg.FeedInterval = DefaultFeedInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		ctl: ctl,
		log: log.With("component", "api"),
		upgrader: websocket.Upgrader{
			// Operator consoles run on the local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/commands", s.handleCommand)
		r.Get("/feed", s.handleFeed)

		r.Get("/sources", s.handleListSources)
		r.Put("/sources/{id}/url", s.handleSetSourceURL)
		r.Post("/sources/{id}/toggle", s.handleToggleSource)

		r.Get("/views", s.handleGetViews)
		r.Put("/views", s.handlePutViews)
		r.Get("/views/{view}/frame.jpg", s.handleFrame)

		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/stop", s.handleSessionStop)

		if s.cfg.Cert != nil {
			r.Get("/cert-hash", s.handleCertHash)
		}
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.Cert != nil {
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{s.cfg.Cert.TLSCert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("control API listening", "addr", s.cfg.Addr, "tls", s.cfg.Cert != nil)
		var err error
		if s.cfg.Cert != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	<-errc
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records latency by route pattern rather than raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrInvalidView),
		errors.Is(err, session.ErrInvalidMapping):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSource):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrNotRecording), errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, snapshot.ErrNoFrame), errors.Is(err, ErrNoPlayback):
		code = http.StatusConflict
	case errors.Is(err, ErrNoRecorder):
		code = http.StatusNotImplemented
	}
	writeError(w, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if !decode(w, r, &cmd) {
		return
	}
	res, err := s.ctl.Dispatch(cmd)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recorder(w http.ResponseWriter) Recorder {
	if s.ctl.rec == nil {
		writeErr(w, ErrNoRecorder)
		return nil
	}
	return s.ctl.rec
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.ctl.Status().Sources
	if sources == nil {
		sources = make([]SourceStatus, 0)
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleSetSourceURL(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := rec.SetSourceURL(id, req.URL); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "url": req.URL})
}

func (s *Server) handleToggleSource(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	id := chi.URLParam(r, "id")
	enabled, err := rec.ToggleSourceEnabled(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

type viewsBody struct {
	Views []int `json:"views"`
}

func (s *Server) handleGetViews(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewsBody{Views: s.ctl.Status().Views})
}

func (s *Server) handlePutViews(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	var req viewsBody
	if !decode(w, r, &req) {
		return
	}
	if err := rec.UpdateViewMapping(session.ViewSlotMap(req.Views)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsBody{Views: rec.ViewMapping()})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	view, err := strconv.Atoi(chi.URLParam(r, "view"))
	if err != nil || s.ctl.checkView(view) != nil {
		writeError(w, http.StatusNotFound, "unknown view")
		return
	}
	f := s.ctl.hubs[view].Latest()
	if f == nil || f.YCbCr == nil {
		writeError(w, http.StatusNotFound, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-PTS", strconv.FormatInt(f.PTS, 10))
	if err := jpeg.Encode(w, f.YCbCr, &jpeg.Options{Quality: codec.DefaultQuality}); err != nil {
		s.log.Debug("frame write failed", "view", view, "error", err)
	}
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctl.StartRecording(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.StopRecording(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": s.cfg.Cert.FingerprintBase64(),
		"addr": s.cfg.Addr,
	})
}
