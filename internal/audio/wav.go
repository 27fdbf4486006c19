package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderBytes = 44

var ErrNotWAV = errors.New("not a RIFF/WAVE container")

type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BuildWAV wraps little-endian PCM in a canonical 44 byte RIFF header.
func BuildWAV(pcm []byte, f Format) []byte {
	byteRate := uint32(f.SampleRate * f.Channels * f.BitsPerSample / 8)
	blockAlign := uint16(f.Channels * f.BitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderBytes+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.BitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV walks the RIFF chunks and returns the fmt description and the
// data chunk. arecord writes a placeholder data length when interrupted, so
// a length past the end of the buffer is clamped instead of rejected.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}
	var (
		f      Format
		haveFt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		// int64 keeps a 0xFFFFFFFF placeholder positive on 32-bit platforms.
		size := int64(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		remaining := int64(len(data) - body)
		switch id {
		case "fmt ":
			if size < 16 || remaining < 16 {
				return Format{}, nil, fmt.Errorf("truncated fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(data[body:]); tag != 1 {
				return Format{}, nil, fmt.Errorf("unsupported wav format tag %d", tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFt = true
		case "data":
			if !haveFt {
				return Format{}, nil, fmt.Errorf("data chunk before fmt chunk")
			}
			return f, data[body : body+int(min(size, remaining))], nil
		}
		next := size + size%2
		if next > remaining {
			break
		}
		off = body + int(next)
	}
	return Format{}, nil, fmt.Errorf("wav data chunk not found")
}

// PCM16 decodes little-endian 16-bit samples; a trailing odd byte is dropped.
func PCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
