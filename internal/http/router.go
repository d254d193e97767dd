// README: HTTP router registration (gin).
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"propmove/internal/http/handlers"
	"propmove/internal/http/middleware"
	"propmove/internal/types"
)

type RouterDeps struct {
	Dispatch  handlers.Dispatcher
	Trips     handlers.TripService
	Location  handlers.DriverLocator
	Earnings  handlers.EarningsReader
	Audits    handlers.AuditReader
	Hub       handlers.RealtimeHub
	Gatherer  prometheus.Gatherer
	Log       logrus.FieldLogger
	KeepAlive time.Duration
	SinkSize  int
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		h := d.Hub.Health()
		status := http.StatusOK
		if h.Broker != "none" && !h.Connected {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "realtime": h})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/", middleware.Auth())

	transport := handlers.NewTransportHandler(d.Dispatch, d.Trips)
	driver := handlers.NewDriverHandler(d.Trips, d.Earnings)
	location := handlers.NewLocationHandler(d.Location)
	realtime := handlers.NewRealtimeHandler(d.Hub, d.KeepAlive, d.SinkSize, d.Log)
	admin := handlers.NewAdminHandler(d.Audits, d.Hub)

	requesters := middleware.RequireRole(types.RoleTenant, types.RoleLandlord, types.RoleAgent)
	drivers := middleware.RequireRole(types.RoleDriver)
	admins := middleware.RequireRole(types.RoleAdmin)

	api.POST("/transport/estimate", transport.Estimate)
	api.POST("/transport/request", requesters, transport.Request)
	api.GET("/transport/:id", transport.Get)
	api.POST("/transport/:id/accept", drivers, driver.Accept)
	api.POST("/transport/:id/cancel", transport.Cancel)
	api.POST("/transport/:id/rate", requesters, transport.Rate)

	api.POST("/driver/trips/:id/status", drivers, driver.UpdateStatus)
	api.POST("/driver/location", drivers, location.Update)
	api.POST("/driver/online", drivers, location.SetOnline)
	api.GET("/driver/earnings", drivers, driver.Earnings)

	api.GET("/realtime/stream", realtime.Stream)
	api.GET("/realtime/ws", realtime.WebSocket)

	api.GET("/admin/transport/:id/pricing-audit", admins, admin.PricingAudit)
	api.POST("/internal/realtime/publish", admins, admin.Publish)

	return r
}
