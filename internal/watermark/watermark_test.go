// SPDX-License-Identifier: MIT

package watermark

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSignal produces a 440 Hz tone at half scale, long enough for the
// requested number of payload frames.
func testSignal(frames, channels int) []int16 {
	n := frames * FrameSamples
	samples := make([]int16, n*channels)
	for i := 0; i < n; i++ {
		v := int16(16000 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = v
		}
	}
	return samples
}

func TestEmbedDetectMono(t *testing.T) {
	fp, err := NewFingerprint("session-under-test")
	require.NoError(t, err)

	samples := testSignal(2, 1)
	require.NoError(t, Embed(samples, 1, fp))

	d := NewDetector()
	d.Register(fp)
	for i := 0; i < 8; i++ {
		other, err := NewFingerprint(fmt.Sprintf("decoy-session-%d", i))
		require.NoError(t, err)
		d.Register(other)
	}

	id, score, found := d.Detect(samples, 1)
	require.True(t, found, "watermark not detected (score %.3f)", score)
	assert.Equal(t, "session-under-test", id)
	assert.Greater(t, score, Threshold)
}

func TestEmbedDetectStereo(t *testing.T) {
	fp, err := NewFingerprint("stereo-session")
	require.NoError(t, err)

	samples := testSignal(2, 2)
	require.NoError(t, Embed(samples, 2, fp))

	d := NewDetector()
	d.Register(fp)

	id, _, found := d.Detect(samples, 2)
	require.True(t, found)
	assert.Equal(t, "stereo-session", id)
}

func TestDistinctSessionsAttributedCorrectly(t *testing.T) {
	const sessions = 10

	d := NewDetector()
	fps := make([]*Fingerprint, sessions)
	for i := range fps {
		fp, err := NewFingerprint(fmt.Sprintf("render-session-%02d", i))
		require.NoError(t, err)
		fps[i] = fp
		d.Register(fp)
	}

	correct := 0
	for i, fp := range fps {
		samples := testSignal(2, 1)
		require.NoError(t, Embed(samples, 1, fp))
		id, _, found := d.Detect(samples, 1)
		if found && id == fmt.Sprintf("render-session-%02d", i) {
			correct++
		}
	}
	// Attribution must identify the correct session for at least 90% of
	// independently watermarked renders.
	assert.GreaterOrEqual(t, correct, sessions*9/10)
}

// lossyChannel simulates a lossy re-encode: mild low-pass smoothing plus
// uniform quantisation noise, the dominant distortions of a 128 kbps codec
// round trip for a high-band signal.
func lossyChannel(samples []int16, seed int64) []int16 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]int16, len(samples))
	for i := range samples {
		prev, next := i-1, i+1
		if prev < 0 {
			prev = 0
		}
		if next >= len(samples) {
			next = len(samples) - 1
		}
		v := 0.7*float64(samples[i]) + 0.15*float64(samples[prev]) + 0.15*float64(samples[next])
		v += float64(rng.Intn(65) - 32)
		out[i] = clamp16(v)
	}
	return out
}

func TestDetectSurvivesLossyReencode(t *testing.T) {
	const sessions = 10

	d := NewDetector()
	fps := make([]*Fingerprint, sessions)
	for i := range fps {
		fp, err := NewFingerprint(fmt.Sprintf("lossy-session-%02d", i))
		require.NoError(t, err)
		fps[i] = fp
		d.Register(fp)
	}

	correct := 0
	for i, fp := range fps {
		samples := testSignal(2, 1)
		require.NoError(t, Embed(samples, 1, fp))
		degraded := lossyChannel(samples, int64(i))

		id, _, found := d.Detect(degraded, 1)
		if found && id == fmt.Sprintf("lossy-session-%02d", i) {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, sessions*9/10,
		"attribution must survive a lossy re-encode for at least 90%% of renders")
}

func TestUnwatermarkedNotAttributed(t *testing.T) {
	fp, err := NewFingerprint("registered-session")
	require.NoError(t, err)

	d := NewDetector()
	d.Register(fp)

	_, score, found := d.Detect(testSignal(2, 1), 1)
	assert.False(t, found, "clean signal attributed with score %.3f", score)
}

func TestAmplitudeBound(t *testing.T) {
	fp, err := NewFingerprint("amplitude-session")
	require.NoError(t, err)

	clean := testSignal(1, 1)
	marked := make([]int16, len(clean))
	copy(marked, clean)
	require.NoError(t, Embed(marked, 1, fp))

	var peak float64
	for _, s := range clean {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	// -40 dBFS relative to peak, plus one quantisation step.
	maxDelta := peak*relativeAmplitude + 1
	for i := range clean {
		delta := math.Abs(float64(marked[i]) - float64(clean[i]))
		require.LessOrEqual(t, delta, maxDelta, "sample %d exceeds amplitude bound", i)
	}
}

func TestEmbedSilentInputUntouched(t *testing.T) {
	fp, err := NewFingerprint("silent-session")
	require.NoError(t, err)

	samples := make([]int16, FrameSamples)
	require.NoError(t, Embed(samples, 1, fp))
	for _, s := range samples {
		assert.Zero(t, s)
	}
}

func TestEmbedRejectsBadChannelLayout(t *testing.T) {
	fp, err := NewFingerprint("s")
	require.NoError(t, err)

	assert.Error(t, Embed(make([]int16, 10), 3, fp))
	assert.Error(t, Embed(make([]int16, 11), 2, fp))
}

func TestDetectTooShort(t *testing.T) {
	d := NewDetector()
	_, _, found := d.Detect(make([]int16, FrameSamples/2), 1)
	assert.False(t, found)
}
