package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

// Options tune the HTTP server.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RateLimitPerMin   int // mutating routes, per client IP; 0 disables
}

// Server wraps the HTTP server and handlers.
type Server struct {
	opts     Options
	handlers *Handlers
	log      zerolog.Logger
}

// NewServer creates a server for the given options and dependencies.
func NewServer(opts Options, deps Deps) *Server {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	logger := log.WithComponent("web")
	return &Server{
		opts:     opts,
		handlers: NewHandlers(deps, logger),
		log:      logger,
	}
}

// Handlers exposes the route handlers.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/cameras", h.HandleCameras)
	r.Get("/video_feed/{id}", h.HandleVideoFeed)
	r.Get("/sensor", h.HandleSensor)
	r.Get("/status", h.HandleStatus)
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/list_dir", h.HandleListDir)
	r.Get("/led/brightness_map", h.HandleBrightnessMap)
	r.Get("/led/{id}/brightness", h.HandleGetBrightness)

	r.Group(func(r chi.Router) {
		if s.opts.RateLimitPerMin > 0 {
			r.Use(rateLimit(s.opts.RateLimitPerMin, time.Minute))
		}
		r.Post("/led/all/{action}", h.HandleLEDAll)
		r.Post("/led/{id}/brightness", h.HandleSetBrightness)
		r.Post("/led/{id}/{action}", h.HandleLED)
		r.Post("/experiment/start", h.HandleStartExperiment)
		r.Post("/experiment/stop", h.HandleStopExperiment)
		r.Post("/create_folder", h.HandleCreateFolder)
		r.Post("/shutdown", h.HandleShutdown)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Status: "error", Message: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Status: "error", Message: "method not allowed"})
	})
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Status: "error", Message: "too many requests"})
		}),
	)
}

// accessLog logs each request and records its latency under the route
// pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		metrics.RecordHTTP(r.Method, route, status, d)

		ev := s.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", d).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open
// streams are cut when the shutdown budget runs out.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("web server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn().Msg("shutdown budget exhausted, closing open streams")
			err = srv.Close()
		}
		<-errCh
		s.log.Info().Msg("web server stopped")
		return err
	}
}
