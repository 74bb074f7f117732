// SPDX-License-Identifier: MIT

// Package hls turns watermarked PCM into an encrypted VOD rendition:
// fixed-length AES-128-CBC segments plus an m3u8 manifest whose key URI
// points at a short-lived alias instead of the key itself.
package hls

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/watermark"
)

const (
	// SegmentSeconds is the target segment duration.
	SegmentSeconds = 4

	// KeyLen is the AES-128 segment key length.
	KeyLen = 16

	// bytesPerSample is int16 PCM.
	bytesPerSample = 2

	// stageDepth bounds the channels joining the pipeline stages so a slow
	// disk backpressures the watermark stage instead of buffering the track.
	stageDepth = 4
)

// Segment describes one written media segment.
type Segment struct {
	Name     string
	Duration float64 // seconds
}

// Result is the outcome of one packaging run. The segment key is minted
// fresh per run and is shared by every segment of the run.
type Result struct {
	TrackID   string
	SessionID string
	Dir       string
	Key       []byte
	Segments  []Segment
}

// Packager writes encrypted segment files under root/<track_id>/<session_id>/
// and keeps a per-run result cache keyed by (track, session), so each
// playback session gets its own independently fingerprinted rendition and
// concurrent requests for the same session package the audio exactly once.
type Packager struct {
	root  string
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*Result
}

func cacheKey(trackID, sessionID string) string {
	return trackID + "/" + sessionID
}

// NewPackager returns a packager rooted at the HLS output directory.
func NewPackager(root string) *Packager {
	return &Packager{root: root, cache: make(map[string]*Result)}
}

// Package watermarks, segments and encrypts interleaved int16 PCM for one
// playback session of a track. fp may be nil to skip fingerprinting; key is
// the 16-byte segment key for this run, or nil to mint a fresh CSPRNG key.
// Repeat calls for the same (track, session) return the cached result;
// concurrent first calls are collapsed. On any mid-run failure the partial
// output directory is removed before the error is returned.
func (p *Packager) Package(ctx context.Context, trackID, sessionID string, key []byte, samples []int16, channels int, fp *watermark.Fingerprint) (*Result, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("hls: unsupported channel count %d", channels)
	}
	if len(samples) == 0 || len(samples)%channels != 0 {
		return nil, fmt.Errorf("hls: sample count %d not aligned to %d channels", len(samples), channels)
	}
	if key != nil && len(key) != KeyLen {
		return nil, fmt.Errorf("hls: segment key must be %d bytes, got %d", KeyLen, len(key))
	}

	if res, ok := p.Cached(trackID, sessionID); ok {
		return res, nil
	}

	v, err, _ := p.group.Do(cacheKey(trackID, sessionID), func() (any, error) {
		res, err := p.writeTrack(ctx, trackID, sessionID, key, samples, channels, fp)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[cacheKey(trackID, sessionID)] = res
		p.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

type pcmChunk struct {
	index  uint64
	pcm    []int16
	frames int
}

type encodedChunk struct {
	index  uint64
	padded []byte
	frames int
}

// writeTrack runs the three packaging stages as goroutines joined by
// bounded channels: watermark, PCM encode with padding, encrypt and write.
func (p *Packager) writeTrack(ctx context.Context, trackID, sessionID string, key []byte, samples []int16, channels int, fp *watermark.Fingerprint) (res *Result, err error) {
	dir, err := p.sessionDir(trackID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("hls: create session dir: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				lg := log.WithComponent("hls")
				lg.Warn().Err(rmErr).
					Str(log.FieldTrackID, trackID).
					Msg("partial output cleanup failed")
			}
		}
	}()

	if key == nil {
		key = make([]byte, KeyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("hls: segment key: %w", err)
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hls: segment cipher: %w", err)
	}

	segFrames := watermark.SampleRate * SegmentSeconds
	frames := len(samples) / channels
	amp := watermark.Amplitude(watermark.Peak(samples))

	result := &Result{TrackID: trackID, SessionID: sessionID, Dir: dir, Key: key}

	g, gctx := errgroup.WithContext(ctx)
	wmCh := make(chan pcmChunk, stageDepth)
	encCh := make(chan encodedChunk, stageDepth)

	g.Go(func() error {
		defer close(wmCh)
		for index := uint64(0); int(index)*segFrames < frames; index++ {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("hls: packaging cancelled: %w", err)
			}
			lo := int(index) * segFrames
			hi := min(lo+segFrames, frames)
			chunk := append([]int16(nil), samples[lo*channels:hi*channels]...)
			if fp != nil && amp > 0 {
				if err := fp.EmbedAt(chunk, channels, lo, amp); err != nil {
					return err
				}
			}
			select {
			case wmCh <- pcmChunk{index: index, pcm: chunk, frames: hi - lo}:
			case <-gctx.Done():
				return fmt.Errorf("hls: packaging cancelled: %w", gctx.Err())
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(encCh)
		for c := range wmCh {
			out := encodedChunk{index: c.index, padded: pkcs7Pad(encodePCM(c.pcm)), frames: c.frames}
			select {
			case encCh <- out:
			case <-gctx.Done():
				return fmt.Errorf("hls: packaging cancelled: %w", gctx.Err())
			}
		}
		return nil
	})

	g.Go(func() error {
		for c := range encCh {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("hls: packaging cancelled: %w", err)
			}
			iv := SegmentIV(c.index)
			ct := make([]byte, len(c.padded))
			cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, c.padded)

			name := SegmentName(c.index)
			if err := renameio.WriteFile(filepath.Join(dir, name), ct, 0o640); err != nil {
				return fmt.Errorf("hls: write %s: %w", name, err)
			}
			result.Segments = append(result.Segments, Segment{
				Name:     name,
				Duration: float64(c.frames) / watermark.SampleRate,
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	lg := log.WithComponent("hls")

	lg.Info().
		Str(log.FieldTrackID, trackID).
		Str(log.FieldSessionID, sessionID).
		Int("segments", len(result.Segments)).
		Msg("track packaged")
	return result, nil
}

// sessionDir resolves the output directory for a packaging run without
// letting either ID escape the packager root.
func (p *Packager) sessionDir(trackID, sessionID string) (string, error) {
	dir := filepath.Join(p.root, trackID, sessionID)
	if filepath.Dir(filepath.Dir(dir)) != filepath.Clean(p.root) {
		return "", fmt.Errorf("hls: track or session id escapes root")
	}
	return dir, nil
}

// SegmentName returns the on-disk name for a segment index.
func SegmentName(index uint64) string {
	return fmt.Sprintf("seg_%03d.ts", index)
}

// SegmentIV is the AES-CBC IV for a segment: the big-endian segment index
// in a 16-byte block.
func SegmentIV(index uint64) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], index)
	return iv
}

// DecryptSegment reverses the per-segment CBC encryption. Used by the
// detection tooling and tests; players decrypt client-side.
func DecryptSegment(key []byte, index uint64, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hls: segment cipher: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("hls: ciphertext length %d not block aligned", len(ct))
	}
	iv := SegmentIV(index)
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("hls: empty padded input")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("hls: invalid padding")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("hls: invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

func encodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM is the inverse of the segment payload encoding.
func DecodePCM(b []byte) ([]int16, error) {
	if len(b)%bytesPerSample != 0 {
		return nil, fmt.Errorf("hls: pcm length %d not sample aligned", len(b))
	}
	out := make([]int16, len(b)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// SegmentPath resolves a segment file for a playback session under the
// packager root.
func (p *Packager) SegmentPath(trackID, sessionID string, index uint64) (string, error) {
	dir, err := p.sessionDir(trackID, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SegmentName(index)), nil
}

// Cached returns the cached packaging result for a session, if its segments
// are still on disk. The reaper prunes segments by age; a run it has swept
// is dropped from the cache here so the next request repackages.
func (p *Packager) Cached(trackID, sessionID string) (*Result, bool) {
	key := cacheKey(trackID, sessionID)
	p.mu.Lock()
	res, ok := p.cache[key]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	for _, s := range res.Segments {
		if _, err := os.Stat(filepath.Join(res.Dir, s.Name)); err != nil {
			p.mu.Lock()
			if p.cache[key] == res {
				delete(p.cache, key)
			}
			p.mu.Unlock()
			return nil, false
		}
	}
	return res, true
}

// Remove drops every cached run for a track and deletes its on-disk
// artifacts across all sessions.
func (p *Packager) Remove(trackID string) error {
	p.mu.Lock()
	for key := range p.cache {
		if strings.HasPrefix(key, trackID+"/") {
			delete(p.cache, key)
		}
	}
	p.mu.Unlock()

	dir := filepath.Join(p.root, trackID)
	if filepath.Dir(dir) != filepath.Clean(p.root) {
		return fmt.Errorf("hls: track id escapes root")
	}
	return os.RemoveAll(dir)
}
