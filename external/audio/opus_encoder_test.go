//go:build opus

package audio

import (
	"encoding/binary"
	"testing"

	"github.com/foxseedlab/monshin/internal/audio"
)

func TestOpusEncoder_EncodesWholeFrames(t *testing.T) {
	// 50ms of 16kHz mono: two full 20ms frames and one padded frame.
	pcm := make([]byte, 800*2)
	for i := 0; i < 800; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%200-100)))
	}
	wav := audio.BuildWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16})

	payload, mime, err := NewEncoder().Encode(wav)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if mime != audio.MimeTypeOpusFrames {
		t.Fatalf("unexpected mime type: %s", mime)
	}
	frames := 0
	for off := 0; off < len(payload); {
		if off+2 > len(payload) {
			t.Fatalf("truncated length prefix at %d", off)
		}
		size := int(binary.BigEndian.Uint16(payload[off:]))
		if size == 0 {
			t.Fatalf("empty opus packet at %d", off)
		}
		off += 2 + size
		frames++
	}
	if frames != 3 {
		t.Fatalf("expected 3 opus frames, got %d", frames)
	}
}

func TestOpusEncoder_RejectsNonWAV(t *testing.T) {
	if _, _, err := NewEncoder().Encode([]byte("not audio")); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}

func TestOpusEncoder_UsesSpeechBitRate(t *testing.T) {
	enc, ok := NewEncoder().(*OpusEncoder)
	if !ok {
		t.Fatalf("unexpected encoder type %T", NewEncoder())
	}
	if enc.bitRate != audio.SpeechBitRate {
		t.Fatalf("expected bitrate %d, got %d", audio.SpeechBitRate, enc.bitRate)
	}
}
