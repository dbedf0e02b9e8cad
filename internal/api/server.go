package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/feedctl/internal/observability"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the session control surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Retrigger() error
	Info() supervisor.Info
}

type Options struct {
	Name        string
	Version     string
	CorsOrigins []string
	// CommandTimeout bounds start and stop requests.
	CommandTimeout time.Duration
}

// Server is the HTTP control and read surface over one supervisor and store.
type Server struct {
	opts     Options
	ctrl     Controller
	store    *store.Store
	router   *gin.Engine
	appeared time.Time
}

func New(opts Options, ctrl Controller, st *store.Store) *Server {
	if opts.Name == "" {
		opts.Name = "feedctl"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 15 * time.Second
	}
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(opts.Name, log.Logger, "/health", "/ready", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:     opts,
		ctrl:     ctrl,
		store:    st,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api.Server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// SSE streams hold connections open until their request context ends.
		_ = srv.Close()
	}
	log.Info().Str("addr", addr).Msg("api.Server.Run stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
