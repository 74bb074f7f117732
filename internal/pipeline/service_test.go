// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectify/sectify/internal/crypto/chaotic"
	"github.com/sectify/sectify/internal/crypto/kdf"
	"github.com/sectify/sectify/internal/hls"
	"github.com/sectify/sectify/internal/store"
	"github.com/sectify/sectify/internal/watermark"
)

var testMaster = []byte("test-master-secret-of-32-bytes!!")

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	hlsRoot := t.TempDir()
	svc := NewService(testMaster, t.TempDir(), hls.NewPackager(hlsRoot), 2, 4)
	t.Cleanup(svc.Close)
	return svc, hlsRoot
}

func testWAV(t *testing.T, seconds int) []byte {
	t.Helper()
	samples := make([]int16, watermark.SampleRate*seconds)
	for i := range samples {
		samples[i] = int16((i%200 - 100) * 80)
	}
	wav, err := EncodeWAV(samples, 1)
	require.NoError(t, err)
	return wav
}

func TestSealUploadWritesEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	trackID := uuid.NewString()
	wav := testWAV(t, 1)

	path, hash, err := svc.SealUpload(context.Background(), "owner", trackID, wav)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53, 0x45, 0x43, 0x01, 0x01}, blob[:5], "at-rest envelope header")
	assert.NotContains(t, string(blob), "RIFF", "plaintext must not leak into the envelope")

	fileKey := kdf.Derive(testMaster, kdf.PurposeFileAtRest, kdf.FileSalt("owner", trackID))
	plain, err := chaotic.Decrypt(fileKey, blob)
	require.NoError(t, err)
	assert.Equal(t, wav, plain)
}

func TestSealUploadRejectsNonWAV(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.SealUpload(context.Background(), "owner", uuid.NewString(), []byte("not audio"))
	assert.Error(t, err)
}

func sealedTrack(t *testing.T, svc *Service, seconds int) *store.Track {
	t.Helper()
	trackID := uuid.NewString()
	path, hash, err := svc.SealUpload(context.Background(), "owner", trackID, testWAV(t, seconds))
	require.NoError(t, err)

	salt, err := kdf.NewSegmentSalt()
	require.NoError(t, err)
	return &store.Track{
		ID:             trackID,
		OwnerID:        "owner",
		Title:          "test",
		CiphertextPath: path,
		ContentHash:    hash,
		SegmentSalt:    salt,
	}
}

func TestPrepareProducesRendition(t *testing.T) {
	svc, hlsRoot := newTestService(t)
	track := sealedTrack(t, svc, 6)

	res, err := svc.Prepare(context.Background(), track, "session-1")
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Len(t, res.Key, hls.KeyLen)
	assert.Equal(t, filepath.Join(hlsRoot, track.ID, "session-1"), res.Dir)

	for _, seg := range res.Segments {
		assert.FileExists(t, filepath.Join(res.Dir, seg.Name))
	}

	// The same session reuses the cached rendition; another session gets
	// its own independently fingerprinted run.
	again, err := svc.Prepare(context.Background(), track, "session-1")
	require.NoError(t, err)
	assert.Same(t, res, again)

	other, err := svc.Prepare(context.Background(), track, "session-2")
	require.NoError(t, err)
	assert.NotSame(t, res, other)
	assert.NotEqual(t, res.Dir, other.Dir)
}

func TestPrepareSessionsWatermarkedIndependently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping correlation test in short mode")
	}
	svc, _ := newTestService(t)

	// A pure tone keeps the program material out of the detection band.
	samples := make([]int16, watermark.SampleRate*6)
	for i := range samples {
		samples[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/watermark.SampleRate))
	}
	wav, err := EncodeWAV(samples, 1)
	require.NoError(t, err)

	trackID := uuid.NewString()
	path, hash, err := svc.SealUpload(context.Background(), "owner", trackID, wav)
	require.NoError(t, err)
	salt, err := kdf.NewSegmentSalt()
	require.NoError(t, err)
	track := &store.Track{
		ID: trackID, OwnerID: "owner", Title: "tone",
		CiphertextPath: path, ContentHash: hash, SegmentSalt: salt,
	}

	_, err = svc.Prepare(context.Background(), track, "session-a")
	require.NoError(t, err)
	resB, err := svc.Prepare(context.Background(), track, "session-b")
	require.NoError(t, err)

	// Decrypt the segments served to the second session and attribute.
	var recovered []int16
	for i, seg := range resB.Segments {
		ct, err := os.ReadFile(filepath.Join(resB.Dir, seg.Name))
		require.NoError(t, err)
		plain, err := hls.DecryptSegment(resB.Key, uint64(i), ct)
		require.NoError(t, err)
		pcm, err := hls.DecodePCM(plain)
		require.NoError(t, err)
		recovered = append(recovered, pcm...)
	}

	id, score, found := svc.Detector().Detect(recovered, 1)
	require.True(t, found, "fingerprint not detected (score %.3f)", score)
	assert.Equal(t, "session-b", id, "a leak of this render must attribute to its own session")
}

func TestPrepareRepackagesAfterSweep(t *testing.T) {
	svc, _ := newTestService(t)
	track := sealedTrack(t, svc, 6)

	res, err := svc.Prepare(context.Background(), track, "session-1")
	require.NoError(t, err)

	// Simulate the reaper pruning the rendition between requests.
	for _, seg := range res.Segments {
		require.NoError(t, os.Remove(filepath.Join(res.Dir, seg.Name)))
	}

	again, err := svc.Prepare(context.Background(), track, "session-1")
	require.NoError(t, err)
	assert.NotSame(t, res, again)
	for _, seg := range again.Segments {
		assert.FileExists(t, filepath.Join(again.Dir, seg.Name))
	}
}

func TestPrepareRejectsTamperedCiphertext(t *testing.T) {
	svc, _ := newTestService(t)
	track := sealedTrack(t, svc, 1)

	blob, err := os.ReadFile(track.CiphertextPath)
	require.NoError(t, err)
	blob[len(blob)/2] ^= 0x01
	require.NoError(t, os.WriteFile(track.CiphertextPath, blob, 0o640))

	_, err = svc.Prepare(context.Background(), track, "session-1")
	assert.ErrorIs(t, err, chaotic.ErrIntegrity)
}

func TestPrepareMissingCiphertext(t *testing.T) {
	svc, _ := newTestService(t)
	track := sealedTrack(t, svc, 1)
	require.NoError(t, os.Remove(track.CiphertextPath))

	_, err := svc.Prepare(context.Background(), track, "session-1")
	assert.Error(t, err)
}

func TestPurge(t *testing.T) {
	svc, hlsRoot := newTestService(t)
	track := sealedTrack(t, svc, 6)

	_, err := svc.Prepare(context.Background(), track, "session-1")
	require.NoError(t, err)

	require.NoError(t, svc.Purge(track))
	assert.NoFileExists(t, track.CiphertextPath)
	assert.NoDirExists(t, filepath.Join(hlsRoot, track.ID))

	// Purging twice is harmless.
	assert.NoError(t, svc.Purge(track))
}
