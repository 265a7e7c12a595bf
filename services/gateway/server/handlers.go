package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
	"github.com/Mutter0815/BroadcastGateway/internal/dispatch"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
)

type sessionsAPI interface {
	LiveCount() int
}

type senderAPI interface {
	SendNow(ctx context.Context, deviceID, to, text string) error
}

type failoverAPI interface {
	Failover(ctx context.Context, serverID string) (int, error)
}

type limitsAPI interface {
	Reset(ctx context.Context, id string) error
}

type Handlers struct {
	ServerID string
	Sessions sessionsAPI
	Sender   senderAPI
	Assign   failoverAPI
	Limits   limitsAPI
}

func NewHandlers(serverID string, ss sessionsAPI, sender senderAPI, a failoverAPI, limits limitsAPI) *Handlers {
	return &Handlers{ServerID: serverID, Sessions: ss, Sender: sender, Assign: a, Limits: limits}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"server_id":     h.ServerID,
		"live_sessions": h.Sessions.LiveCount(),
	})
}

func (h *Handlers) SendMessage(c *gin.Context) {
	var req campaign.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	deviceID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	err := h.Sender.SendNow(ctx, deviceID, req.To, req.Message)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, campaign.SendMessageResp{DeviceID: deviceID, To: req.To, Status: "sent"})
	case errors.Is(err, dispatch.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrSessionUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device session not connected"})
	default:
		logx.L().Errorw("send_now_error", "device_id", deviceID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "send failed"})
	}
}

func (h *Handlers) Failover(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	moved, err := h.Assign.Failover(ctx, id)
	if err != nil {
		logx.L().Errorw("failover_error", "server_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failover failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": id, "moved": moved})
}

func (h *Handlers) ResetRateLimit(c *gin.Context) {
	key := c.Param("key")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Limits.Reset(ctx, key); err != nil {
		logx.L().Errorw("ratelimit_reset_error", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
