package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/infra/monitoring"
	"github.com/crmkit/knowledge/engine/infra/server/appstate"
	"github.com/crmkit/knowledge/engine/infra/server/middleware/ratelimit"
	"github.com/crmkit/knowledge/engine/infra/server/middleware/size"
	"github.com/crmkit/knowledge/engine/infra/server/router"
	knowledgerouter "github.com/crmkit/knowledge/engine/infra/server/router/knowledge"
	"github.com/crmkit/knowledge/engine/infra/server/routes"
	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
	"github.com/crmkit/knowledge/pkg/version"
)

// NewRouter assembles the gin engine: global middleware, health checks, metrics and
// the versioned knowledge API. mon may be nil.
func NewRouter(
	ctx context.Context,
	cfg *config.Config,
	deps *Dependencies,
	mon *monitoring.Service,
) (*gin.Engine, error) {
	if cfg.Runtime.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger.FromContext(ctx)))
	if mon != nil {
		r.Use(mon.GinMiddleware())
	}
	r.Use(appstate.StateMiddleware(deps.State))
	r.NoRoute(func(c *gin.Context) {
		router.RespondProblemWithCode(c, http.StatusNotFound, "route_not_found", "route not found")
	})
	r.GET(routes.Health(), CreateHealthHandler(deps.Checks, version.Get().Version))
	if mon != nil && mon.IsInitialized() {
		r.GET(cfg.Monitoring.Path, gin.WrapH(mon.ExporterHandler()))
	}
	api := r.Group(routes.Base())
	if cfg.Server.MaxBodyBytes > 0 {
		api.Use(size.BodySizeLimiter(cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.RateLimit.Enabled {
		limits := ratelimit.DefaultConfig()
		limits.Rate = ratelimit.RateConfig{
			Limit:  cfg.Server.RateLimit.Limit,
			Period: cfg.Server.RateLimit.Period,
		}
		var opts []ratelimit.Option
		if mon != nil && mon.IsInitialized() {
			opts = append(opts, ratelimit.WithMeter(mon.Meter()))
		}
		manager, err := ratelimit.NewManager(limits, deps.Redis, opts...)
		if err != nil {
			return nil, err
		}
		api.Use(manager.Middleware())
	}
	knowledgerouter.Register(api)
	return r, nil
}
