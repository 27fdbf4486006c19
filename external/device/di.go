package device

import (
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/device"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (device.Device, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewCommandRecorder(RecorderConfig{
			Command: cfg.CaptureCommand,
			Device:  cfg.CaptureDevice,
			Dir:     cfg.SegmentTempDir,
		}), nil
	})
}
