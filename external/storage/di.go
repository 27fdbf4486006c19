package storage

import (
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/storage"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*LocalStorage, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewLocalStorage(cfg.SegmentTempDir)
	})
	do.Provide(injector, func(i do.Injector) (storage.TempStorage, error) {
		return do.MustInvoke[*LocalStorage](i), nil
	})
	do.Provide(injector, func(i do.Injector) (storage.Sweeper, error) {
		return do.MustInvoke[*LocalStorage](i), nil
	})
}
