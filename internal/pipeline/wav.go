// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/binary"
	"fmt"

	"github.com/sectify/sectify/internal/watermark"
)

// Minimal RIFF/WAVE support for the upload format: PCM, 16-bit,
// 44.1 kHz, mono or stereo. Chunks other than fmt and data are skipped.

const wavHeaderLen = 12

// ParseWAV decodes a canonical WAVE file into interleaved int16 samples.
func ParseWAV(b []byte) (samples []int16, channels int, err error) {
	if len(b) < wavHeaderLen || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("pipeline: not a RIFF/WAVE file")
	}

	var (
		haveFmt  bool
		data     []byte
		bitDepth uint16
		rate     uint32
		nch      uint16
	)

	off := wavHeaderLen
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			return nil, 0, fmt.Errorf("pipeline: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("pipeline: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("pipeline: unsupported audio format %d, need PCM", format)
			}
			nch = binary.LittleEndian.Uint16(b[body+2 : body+4])
			rate = binary.LittleEndian.Uint32(b[body+4 : body+8])
			bitDepth = binary.LittleEndian.Uint16(b[body+14 : body+16])
			haveFmt = true
		case "data":
			data = b[body : body+size]
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("pipeline: missing fmt chunk")
	case data == nil:
		return nil, 0, fmt.Errorf("pipeline: missing data chunk")
	case bitDepth != 16:
		return nil, 0, fmt.Errorf("pipeline: unsupported bit depth %d, need 16", bitDepth)
	case rate != watermark.SampleRate:
		return nil, 0, fmt.Errorf("pipeline: unsupported sample rate %d, need %d", rate, watermark.SampleRate)
	case nch != 1 && nch != 2:
		return nil, 0, fmt.Errorf("pipeline: unsupported channel count %d", nch)
	case len(data) == 0 || len(data)%(2*int(nch)) != 0:
		return nil, 0, fmt.Errorf("pipeline: data chunk length %d not frame aligned", len(data))
	}

	samples = make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, int(nch), nil
}

// EncodeWAV renders interleaved int16 samples as a canonical WAVE file.
func EncodeWAV(samples []int16, channels int) ([]byte, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("pipeline: unsupported channel count %d", channels)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("pipeline: sample count %d not aligned to %d channels", len(samples), channels)
	}

	dataLen := len(samples) * 2
	out := make([]byte, wavHeaderLen+24+8+dataLen)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], watermark.SampleRate)
	binary.LittleEndian.PutUint32(out[28:32], watermark.SampleRate*uint32(channels)*2)
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels)*2)
	binary.LittleEndian.PutUint16(out[34:36], 16)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(s))
	}
	return out, nil
}
