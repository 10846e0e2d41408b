// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/api/handlers"
	"github.com/autobrr/qsync/internal/api/middleware"
	"github.com/autobrr/qsync/internal/api/openapi"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	instanceStore *models.InstanceStore
	clientPool    *qbittorrent.ClientPool
	syncManager   *qbittorrent.SyncManager
}

type Dependencies struct {
	Config        *config.AppConfig
	Version       string
	InstanceStore *models.InstanceStore
	ClientPool    *qbittorrent.ClientPool
	SyncManager   *qbittorrent.SyncManager
}

func NewServer(deps *Dependencies) *Server {
	timeouts := deps.Config.Config.HTTPTimeouts

	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       secondsOr(timeouts.ReadTimeout, 60),
			WriteTimeout:      secondsOr(timeouts.WriteTimeout, 120),
			IdleTimeout:       secondsOr(timeouts.IdleTimeout, 180),
		},
		logger:        log.Logger.With().Str("module", "api").Logger(),
		config:        deps.Config,
		version:       deps.Version,
		instanceStore: deps.InstanceStore,
		clientPool:    deps.ClientPool,
		syncManager:   deps.SyncManager,
	}

	return &s
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%sapi/openapi.yaml", host, s.baseURL())

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if !strings.HasPrefix(baseURL, "/") {
		baseURL = "/" + baseURL
	}
	return baseURL
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID) // Must be before logger to capture request ID
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	instancesHandler := handlers.NewInstancesHandler(s.instanceStore, s.clientPool, s.syncManager)
	torrentsHandler := handlers.NewTorrentsHandler(s.syncManager)
	preferencesHandler := handlers.NewPreferencesHandler(s.syncManager)

	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))

		r.Get("/openapi.yaml", openapi.Handler)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instancesHandler.ListInstances)
			r.Post("/", instancesHandler.CreateInstance)

			r.Route("/{instanceID}", func(r chi.Router) {
				r.Put("/", instancesHandler.UpdateInstance)
				r.Delete("/", instancesHandler.DeleteInstance)
				r.Get("/errors", instancesHandler.GetInstanceErrors)
				r.Get("/capabilities", instancesHandler.GetInstanceCapabilities)

				r.Route("/torrents", func(r chi.Router) {
					r.Get("/", torrentsHandler.ListTorrents)

					r.Route("/{hash}", func(r chi.Router) {
						r.Get("/peers", torrentsHandler.GetTorrentPeers)
						r.Get("/files", torrentsHandler.GetTorrentFiles)
					})
				})

				r.Get("/categories", torrentsHandler.GetCategories)
				r.Get("/tags", torrentsHandler.GetTags)
				r.Get("/trackers", torrentsHandler.GetTrackers)
				r.Get("/counts", torrentsHandler.GetCounts)
				r.Get("/server-state", torrentsHandler.GetServerState)

				r.Get("/preferences", preferencesHandler.GetPreferences)
				r.Patch("/preferences", preferencesHandler.UpdatePreferences)
			})
		})
	})

	r.Get("/health", healthHandler.HandleHealth)

	if s.config.Config.PprofEnabled {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/{name}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			}))
		})
	}

	baseURL := s.baseURL()
	r.Mount(baseURL+"api", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + baseURL + " instead of /"))
		})
	}

	return r
}
