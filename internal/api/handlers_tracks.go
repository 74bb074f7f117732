// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/crypto/kdf"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/pipeline"
	"github.com/sectify/sectify/internal/store"
)

// maxUploadBytes bounds a single upload held in memory. Plaintext audio
// never touches disk, so the bound is the memory budget per request.
const maxUploadBytes = 128 << 20

type trackSummary struct {
	ID        string    `json:"track_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handlePublicTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.store.PublicTracks(r.Context())
	if err != nil {
		writeInternal(w, r)
		return
	}

	out := make([]trackSummary, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, trackSummary{ID: tr.ID, Title: tr.Title, CreatedAt: tr.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := principal(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeInvalid(w, r, "malformed multipart body")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeInvalid(w, r, "title is required")
		return
	}
	isPublic := r.FormValue("public") == "true"

	file, _, err := r.FormFile("file")
	if err != nil {
		writeInvalid(w, r, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	wav, err := io.ReadAll(file)
	if err != nil {
		writeInvalid(w, r, "unreadable upload")
		return
	}

	trackID := uuid.NewString()
	path, contentHash, err := s.media.SealUpload(r.Context(), user.ID, trackID, wav)
	if err != nil {
		if errors.Is(err, pipeline.ErrBusy) {
			writeBusy(w, r, 5)
			return
		}
		writeInvalid(w, r, "unsupported audio: need 16-bit 44.1 kHz PCM WAVE")
		return
	}

	salt, err := kdf.NewSegmentSalt()
	if err != nil {
		writeInternal(w, r)
		return
	}

	track := &store.Track{
		ID:             trackID,
		OwnerID:        user.ID,
		Title:          title,
		IsPublic:       isPublic,
		CiphertextPath: path,
		ContentHash:    contentHash,
		SegmentSalt:    salt,
	}
	if err := s.store.CreateTrack(r.Context(), track); err != nil {
		_ = os.Remove(path)
		if errors.Is(err, store.ErrDuplicate) {
			writeConflict(w, r, "identical track already uploaded")
			return
		}
		writeInternal(w, r)
		return
	}

	lg := log.WithComponentFromContext(r.Context(), "api")

	lg.Info().
		Str(log.FieldTrackID, trackID).
		Str(log.FieldUserID, user.ID).
		Str(log.FieldEvent, "track.uploaded").
		Msg("track uploaded")
	writeJSON(w, http.StatusCreated, map[string]string{"track_id": trackID})
}

func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	trackID := chi.URLParam(r, "trackID")

	track, err := s.auth.Authorize(r.Context(), trackID, user, auth.OpDelete)
	if err != nil {
		s.writeAccessError(w, r, err)
		return
	}

	if err := s.media.Purge(track); err != nil {
		writeInternal(w, r)
		return
	}
	if err := s.store.DeleteTrack(r.Context(), track.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeInternal(w, r)
		return
	}

	lg := log.WithComponentFromContext(r.Context(), "api")

	lg.Info().
		Str(log.FieldTrackID, track.ID).
		Str(log.FieldUserID, user.ID).
		Str(log.FieldEvent, "track.deleted").
		Msg("track deleted")
	w.WriteHeader(http.StatusNoContent)
}

// writeAccessError translates authorization errors exactly once.
func (s *Server) writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		writeAuthRequired(w, r)
	case errors.Is(err, auth.ErrForbidden):
		writeForbidden(w, r)
	case errors.Is(err, auth.ErrNotFound):
		writeNotFound(w, r)
	default:
		writeInternal(w, r)
	}
}
