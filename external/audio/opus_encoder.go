//go:build opus

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/hraban/opus"
)

const (
	frameSizeMs    = 20
	maxPacketBytes = 4000
)

type OpusEncoder struct {
	bitRate int
}

func NewEncoder() audio.Encoder {
	return &OpusEncoder{bitRate: audio.SpeechBitRate}
}

// Encode re-encodes a PCM16 WAV segment as length-prefixed Opus packets.
// The last partial frame is padded with silence.
func (e *OpusEncoder) Encode(wav []byte) ([]byte, string, error) {
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, "", err
	}
	if f.BitsPerSample != 16 {
		return nil, "", fmt.Errorf("opus encoder needs 16-bit pcm, got %d-bit", f.BitsPerSample)
	}
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, "", fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(e.bitRate); err != nil {
		return nil, "", fmt.Errorf("set opus bitrate: %w", err)
	}

	samples := audio.PCM16(pcm)
	frameSamples := f.SampleRate * frameSizeMs / 1000 * f.Channels
	out := make([]byte, 0, len(pcm)/8)
	packet := make([]byte, maxPacketBytes)
	frame := make([]int16, frameSamples)
	for off := 0; off < len(samples); off += frameSamples {
		n := copy(frame, samples[off:])
		clear(frame[n:])
		size, err := enc.Encode(frame, packet)
		if err != nil {
			return nil, "", fmt.Errorf("encode opus frame at sample %d: %w", off, err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(size))
		out = append(out, packet[:size]...)
	}
	return out, audio.MimeTypeOpusFrames, nil
}
