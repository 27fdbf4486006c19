package httpapi

import (
	metricsimpl "github.com/foxseedlab/monshin/external/metrics"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.IsDevelopment() {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		return NewServer(
			do.MustInvoke[*session.Manager](i),
			do.MustInvoke[*pgxpool.Pool](i),
			do.MustInvoke[*metricsimpl.PrometheusRecorder](i).Handler(),
		), nil
	})
}
