// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/sectify/sectify/internal/crypto/chaotic"
	"github.com/sectify/sectify/internal/crypto/kdf"
	"github.com/sectify/sectify/internal/hls"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/store"
	"github.com/sectify/sectify/internal/watermark"
)

// Service is the media pipeline facade used by the HTTP layer.
type Service struct {
	master     []byte
	uploadRoot string
	packager   *hls.Packager
	pool       *Pool
	detector   *watermark.Detector
}

// NewService wires the pipeline. master is the process master secret;
// uploads are sealed under uploadRoot.
func NewService(master []byte, uploadRoot string, packager *hls.Packager, workers, queue int) *Service {
	return &Service{
		master:     master,
		uploadRoot: uploadRoot,
		packager:   packager,
		pool:       NewPool(workers, queue),
		detector:   watermark.NewDetector(),
	}
}

// Close drains the worker pool.
func (s *Service) Close() { s.pool.Close() }

// Detector exposes the fingerprint registry for offline leak attribution.
func (s *Service) Detector() *watermark.Detector { return s.detector }

// SealUpload validates a WAVE upload, encrypts it under the owner's file
// key and writes the envelope to the upload root. Plaintext exists only in
// memory. Returns the ciphertext path and the plaintext content hash.
func (s *Service) SealUpload(ctx context.Context, ownerID, trackID string, wav []byte) (path, contentHash string, err error) {
	if _, _, err := ParseWAV(wav); err != nil {
		return "", "", err
	}

	sum := sha256.Sum256(wav)
	contentHash = hex.EncodeToString(sum[:])
	path = filepath.Join(s.uploadRoot, trackID+".enc")

	err = s.pool.Do(ctx, func(ctx context.Context) error {
		fileKey := kdf.Derive(s.master, kdf.PurposeFileAtRest, kdf.FileSalt(ownerID, trackID))
		blob, err := chaotic.Encrypt(fileKey, wav)
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(path, blob, 0o640); err != nil {
			return fmt.Errorf("pipeline: write ciphertext: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			rejectedBusy.Inc()
		}
		return "", "", err
	}

	lg := log.WithComponent("pipeline")

	lg.Info().
		Str(log.FieldTrackID, trackID).
		Str(log.FieldUserID, ownerID).
		Msg("upload sealed")
	return path, contentHash, nil
}

// Prepare produces the HLS rendition for one playback session of a track:
// decrypt the at-rest envelope, embed the session fingerprint, segment and
// encrypt. The result is cached per (track, session) so repeat requests for
// a session reuse its rendition; a run whose segments the reaper has swept
// is repackaged.
func (s *Service) Prepare(ctx context.Context, track *store.Track, sessionID string) (*hls.Result, error) {
	if res, ok := s.packager.Cached(track.ID, sessionID); ok {
		return res, nil
	}

	var res *hls.Result
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		start := time.Now()

		blob, err := os.ReadFile(track.CiphertextPath)
		if err != nil {
			return fmt.Errorf("pipeline: read ciphertext: %w", err)
		}

		fileKey := kdf.Derive(s.master, kdf.PurposeFileAtRest, kdf.FileSalt(track.OwnerID, track.ID))
		wav, err := chaotic.Decrypt(fileKey, blob)
		if err != nil {
			return err
		}

		samples, channels, err := ParseWAV(wav)
		if err != nil {
			return err
		}

		fp, err := watermark.NewFingerprint(sessionID)
		if err != nil {
			return err
		}

		segmentKey, err := s.segmentKey(track)
		if err != nil {
			return err
		}

		res, err = s.packager.Package(ctx, track.ID, sessionID, segmentKey, samples, channels, fp)
		if err != nil {
			return err
		}

		s.detector.Register(fp)
		prepareDuration.Observe(time.Since(start).Seconds())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			rejectedBusy.Inc()
		}
		return nil, err
	}
	return res, nil
}

// segmentKey derives the per-run AES-128 key from the track's segment salt
// and a fresh nonce, so repackaging a track never reuses a key.
func (s *Service) segmentKey(track *store.Track) ([]byte, error) {
	nonce := make([]byte, kdf.SegmentSaltLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pipeline: segment key nonce: %w", err)
	}
	salt := make([]byte, 0, len(track.SegmentSalt)+len(nonce))
	salt = append(salt, track.SegmentSalt...)
	salt = append(salt, nonce...)
	return kdf.Derive(s.master, kdf.PurposeHLSSegment, salt)[:hls.KeyLen], nil
}

// SegmentPath resolves a packaged segment file on disk.
func (s *Service) SegmentPath(trackID, sessionID string, index uint64) (string, error) {
	return s.packager.SegmentPath(trackID, sessionID, index)
}

// Purge removes a track's ciphertext and any packaged artifacts.
func (s *Service) Purge(track *store.Track) error {
	if err := os.Remove(track.CiphertextPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("pipeline: remove ciphertext: %w", err)
	}
	return s.packager.Remove(track.ID)
}
