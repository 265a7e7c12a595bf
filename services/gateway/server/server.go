package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

// NewHTTPServer wires the routes; limit guards the send endpoint when non-nil
// and adminToken guards the operator routes.
func NewHTTPServer(addr string, h *Handlers, limit gin.HandlerFunc, adminToken string) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	send := []gin.HandlerFunc{h.SendMessage}
	if limit != nil {
		send = append([]gin.HandlerFunc{limit}, send...)
	}
	r.POST("/devices/:id/messages", send...)

	admin := r.Group("/", AdminAuth(adminToken))
	admin.POST("/servers/:id/failover", h.Failover)
	admin.DELETE("/ratelimit/:key", h.ResetRateLimit)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
