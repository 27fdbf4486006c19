package audio

import (
	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (audio.Encoder, error) {
		return NewEncoder(), nil
	})
}
