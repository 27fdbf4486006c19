package audio

// SpeechBitRate is the target bitrate for compressed segment payloads.
const SpeechBitRate = 32000

const (
	MimeTypeWAV = "audio/wav"
	// MimeTypeOpusFrames is a sequence of Opus packets, each prefixed with
	// its length as a big-endian uint16.
	MimeTypeOpusFrames = "audio/x-opus-frames"
)

// Encoder turns a recorded WAV segment into the payload sent for ingest.
type Encoder interface {
	Encode(wav []byte) (payload []byte, mimeType string, err error)
}

type PassthroughEncoder struct{}

func (PassthroughEncoder) Encode(wav []byte) ([]byte, string, error) {
	return wav, MimeTypeWAV, nil
}
