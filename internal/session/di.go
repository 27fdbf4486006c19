package session

import (
	"github.com/foxseedlab/monshin/internal/capture"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/device"
	"github.com/foxseedlab/monshin/internal/metrics"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/storage"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"github.com/foxseedlab/monshin/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		rec := do.MustInvoke[metrics.Recorder](i)
		dev := do.MustInvoke[device.Device](i)
		store := do.MustInvoke[storage.TempStorage](i)
		ingester := do.MustInvoke[transcriber.Ingester](i)
		newController := func(opts capture.Options) CaptureController {
			opts.UploadTimeout = uploadTimeout(cfg)
			return capture.New(dev, store, ingester, opts)
		}
		return NewManager(cfg, repo, wh, rec, newController), nil
	})
}
