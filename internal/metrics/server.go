// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

type MetricsServer struct {
	server  *http.Server
	manager *MetricsManager
}

func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsers map[string]string) *MetricsServer {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewHandler(manager, basicAuthUsers),
		},
		manager: manager,
	}
}

// NewHandler builds the metrics router.
func NewHandler(manager *MetricsManager, basicAuthUsers map[string]string) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if len(basicAuthUsers) > 0 {
		router.Use(BasicAuth("metrics", basicAuthUsers))
	}

	handler := promhttp.HandlerFor(
		manager.GetRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)

	router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Msg("Serving Prometheus metrics")
		handler.ServeHTTP(w, r)
	})

	return router
}

func (s *MetricsServer) Start() error {
	log.Info().
		Str("address", s.server.Addr).
		Msg("Starting Prometheus metrics server")

	return s.server.ListenAndServe()
}

func (s *MetricsServer) Stop() error {
	return s.server.Close()
}

// ParseBasicAuthUsers reads "user:bcrypt_hash" pairs separated by commas.
func ParseBasicAuthUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid metrics basic auth entry %q: expected user:bcrypt_hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash for metrics user %q: %w", user, err)
		}
		users[user] = hash
	}
	return users, nil
}

// BasicAuth checks credentials against bcrypt hashes. Unknown users are
// compared against a dummy hash.
func BasicAuth(realm string, users map[string]string) func(http.Handler) http.Handler {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("qsync-metrics"), bcrypt.MinCost)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if ok {
				hash, known := users[user]
				if !known {
					hash = string(dummy)
				}
				match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
				if known && match {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Add("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, realm))
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}
