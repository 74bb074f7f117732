// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/crypto/chaotic"
	"github.com/sectify/sectify/internal/hls"
	"github.com/sectify/sectify/internal/keystore"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/pipeline"
)

const keyURIPrefix = "/api/v1/stream/key/"

// handlePlaylist is the playback entry point: authorize, prepare the
// rendition, mint a key alias for this session and serve the manifest. The
// manifest never contains key bytes, only the alias URI.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	trackID := chi.URLParam(r, "trackID")
	ip := clientIP(r)

	track, grant, err := s.auth.CheckTrackAccess(r.Context(), trackID, user, auth.OpStream, ip)
	if err != nil {
		s.writeAccessError(w, r, err)
		return
	}

	res, err := s.media.Prepare(r.Context(), track, grant.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBusy):
			writeBusy(w, r, 2)
		case errors.Is(err, chaotic.ErrIntegrity):
			lg := log.WithComponentFromContext(r.Context(), "api")
			lg.Error().
				Str(log.FieldTrackID, track.ID).
				Str(log.FieldEvent, "media.integrity_failure").
				Msg("at-rest envelope failed verification")
			writeIntegrity(w, r)
		default:
			writeInternal(w, r)
		}
		return
	}

	alias, err := s.keys.Mint(res.Key, track.ID, grant.UserID, s.auth.IPBinding(ip))
	if err != nil {
		writeInternal(w, r)
		return
	}

	keyURI := keyURIPrefix + alias
	segmentBase := "/api/v1/stream/segment/" + track.ID + "/" + grant.SessionID
	if _, statErr := os.Stat(filepath.Join(res.Dir, hls.ManifestName)); statErr != nil {
		if _, err := hls.WriteManifest(res, keyURI, segmentBase); err != nil {
			writeInternal(w, r)
			return
		}
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Session-Id", grant.SessionID)
	_, _ = w.Write(hls.RenderManifest(res, keyURI, segmentBase))
}

// handleSegment serves one encrypted segment of a session's rendition. The
// session must hold a live streaming grant for the track, bound to the
// caller's network, so segment URLs cannot be replayed by other parties.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	trackID := chi.URLParam(r, "trackID")
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.auth.Authorize(r.Context(), trackID, user, auth.OpStream); err != nil {
		s.writeAccessError(w, r, err)
		return
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}
	if s.auth.ValidateGrant(sessionID, trackID, userID, auth.OpStream, clientIP(r)) == nil {
		writeForbidden(w, r)
		return
	}

	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeNotFound(w, r)
		return
	}

	path, err := s.media.SegmentPath(trackID, sessionID, index)
	if err != nil {
		writeNotFound(w, r)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeNotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeNotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleKey serves 16 raw key bytes for a live alias. Denials and unknown
// aliases stay distinguishable in metrics but not to the caller beyond the
// mandated 403/404 split.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	ip := clientIP(r)

	callerUserID := ""
	if user := principal(r); user != nil {
		callerUserID = user.ID
	}

	key, err := s.keys.Resolve(alias, s.auth.IPBinding(ip), callerUserID)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		keyResolves.WithLabelValues("not_found").Inc()
		writeNotFound(w, r)
		return
	case errors.Is(err, keystore.ErrDenied):
		keyResolves.WithLabelValues("denied").Inc()
		writeForbidden(w, r)
		return
	case err != nil:
		writeInternal(w, r)
		return
	}

	keyResolves.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(key)
}
