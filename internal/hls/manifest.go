// SPDX-License-Identifier: MIT

package hls

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ManifestName is the on-disk playlist filename.
const ManifestName = "playlist.m3u8"

// RenderManifest produces a VOD playlist for a packaging run. keyURI is the
// per-session alias endpoint. The EXT-X-KEY line carries no IV attribute:
// per RFC 8216 players then derive each segment's IV from its media
// sequence number, which matches the encryption IV of big-endian segment
// index exactly (the sequence starts at 0). segmentBase, when set, prefixes
// each entry with the media endpoint for the session; empty renders bare
// file names for the on-disk copy.
func RenderManifest(res *Result, keyURI, segmentBase string) []byte {
	var target float64
	for _, s := range res.Segments {
		if s.Duration > target {
			target = s.Duration
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=%q\n", keyURI)
	for i, s := range res.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		if segmentBase == "" {
			b.WriteString(s.Name)
		} else {
			fmt.Fprintf(&b, "%s/%d", segmentBase, i)
		}
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return []byte(b.String())
}

// WriteManifest atomically persists a rendered manifest next to the
// segments.
func WriteManifest(res *Result, keyURI, segmentBase string) (string, error) {
	path := filepath.Join(res.Dir, ManifestName)
	if err := renameio.WriteFile(path, RenderManifest(res, keyURI, segmentBase), 0o640); err != nil {
		return "", fmt.Errorf("hls: write manifest: %w", err)
	}
	return path, nil
}
