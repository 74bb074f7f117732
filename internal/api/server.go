// SPDX-License-Identifier: MIT

// Package api is the HTTP surface. Handlers stay thin: authorization lives
// in internal/auth, media work in internal/pipeline, and every error leaves
// through the problem writer.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/keystore"
	"github.com/sectify/sectify/internal/pipeline"
	"github.com/sectify/sectify/internal/store"
)

// Login attempts allowed per IP per minute; the next attempt gets 429.
const loginRateLimit = 5

// Key resolutions allowed per IP per minute. Aliases are single-use in
// practice; a client hammering this endpoint is probing.
const keyRateLimit = 60

// Store is the persistence surface the handlers need.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	UserByEmail(ctx context.Context, email string) (*store.User, error)
	UserByID(ctx context.Context, id string) (*store.User, error)
	CreateTrack(ctx context.Context, t *store.Track) error
	TrackByID(ctx context.Context, id string) (*store.Track, error)
	PublicTracks(ctx context.Context) ([]store.Track, error)
	DeleteTrack(ctx context.Context, id string) error
}

// Server holds the wired services behind the HTTP surface.
type Server struct {
	store  Store
	auth   *auth.Service
	tokens *auth.TokenService
	sealer *auth.SecretSealer
	media  *pipeline.Service
	keys   *keystore.Store

	limiter *rate.Limiter
}

// NewServer wires the HTTP surface.
func NewServer(st Store, authSvc *auth.Service, tokens *auth.TokenService, sealer *auth.SecretSealer, media *pipeline.Service, keys *keystore.Store) *Server {
	return &Server{
		store:   st,
		auth:    authSvc,
		tokens:  tokens,
		sealer:  sealer,
		media:   media,
		keys:    keys,
		limiter: rate.NewLimiter(rate.Limit(500), 1000),
	}
}

// Routes builds the router: liveness and metrics at the root, everything
// else under /api/v1.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(globalLimit(s.limiter))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withPrincipal)

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(httprate.Limit(loginRateLimit, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP)))
				r.Post("/login", s.handleLogin)
				r.Post("/login/verify-2fa", s.handleVerify2FA)
			})
			r.Post("/signup", s.handleSignup)
			r.Post("/logout-all", s.requireUser(s.handleLogoutAll))
		})

		r.Route("/audio", func(r chi.Router) {
			r.Get("/tracks/public", s.handlePublicTracks)
			r.Post("/upload", s.requireUser(s.handleUpload))
			r.Delete("/tracks/{trackID}", s.requireUser(s.handleDeleteTrack))
		})

		r.Route("/stream", func(r chi.Router) {
			r.Get("/playlist/{trackID}", s.handlePlaylist)
			r.Get("/segment/{trackID}/{sessionID}/{index}", s.handleSegment)
			r.Group(func(r chi.Router) {
				r.Use(httprate.Limit(keyRateLimit, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP)))
				r.Get("/key/{alias}", s.handleKey)
			})
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
