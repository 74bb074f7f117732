// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/store"
)

type principalKey struct{}

// requestID tags every request with an ID, reusing the client's if present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// accessLog emits one structured line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		lg := log.FromContext(r.Context())
		lg.Info().
			Str(log.FieldComponent, "api").
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str(log.FieldClientIP, clientIP(r)).
			Msg("request")
	})
}

// globalLimit sheds load across all endpoints before any handler runs.
func globalLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, r, http.StatusTooManyRequests, "system/throttled", "Too Many Requests", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts a bearer credential, empty if absent.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// withPrincipal resolves an optional bearer token to a user. Invalid tokens
// are treated as anonymous here; endpoints that require identity reject via
// requireUser.
func (s *Server) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.tokens.Verify(token, auth.PurposeAccess, clientIP(r))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		// A structurally valid token whose login session has been revoked
		// or swept is anonymous too, so logout-all takes effect before the
		// JWT expires.
		if claims.SessionID == "" || !s.auth.LoginAlive(claims.SessionID, claims.Subject) {
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.store.UserByID(r.Context(), claims.Subject)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, user)))
	})
}

// principal returns the authenticated user, nil for anonymous requests.
func principal(r *http.Request) *store.User {
	user, _ := r.Context().Value(principalKey{}).(*store.User)
	return user
}

// requireUser gates endpoints that need an authenticated caller.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if principal(r) == nil {
			writeAuthRequired(w, r)
			return
		}
		next(w, r)
	}
}
