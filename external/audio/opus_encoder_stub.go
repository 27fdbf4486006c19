//go:build !opus

package audio

import "github.com/foxseedlab/monshin/internal/audio"

// NewEncoder uploads WAV as recorded when libopus is not linked in.
func NewEncoder() audio.Encoder {
	return audio.PassthroughEncoder{}
}
