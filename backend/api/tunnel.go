package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// 单条消息上限
	maxTunnelMessageBytes = 64 << 10
	// 守护进程不读消息时放弃等待
	tunnelMessageTimeout = 5 * time.Second
)

func (r *Router) getTunnelStatus(c *gin.Context) {
	resp := gin.H{"status": r.service.TunnelStatus()}
	if c.Query("probe") == "1" {
		running, err := r.service.TunnelRunning(c.Request.Context())
		if err != nil {
			resp["probeError"] = err.Error()
		} else {
			resp["running"] = running
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) switchTunnel(c *gin.Context) {
	if err := r.service.SwitchTunnel(c.Request.Context()); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": r.service.TunnelStatus()})
}

func (r *Router) startTunnel(c *gin.Context) {
	if err := r.service.StartTunnel(c.Request.Context()); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": r.service.TunnelStatus()})
}

// stopTunnel 只投递停止请求，结果通过状态事件到达
func (r *Router) stopTunnel(c *gin.Context) {
	r.service.StopTunnel(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": r.service.TunnelStatus()})
}

func (r *Router) sendTunnelMessage(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTunnelMessageBytes))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(payload) == 0 {
		payload = []byte("Hello")
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), tunnelMessageTimeout)
	defer cancel()
	resp, err := r.service.SendTunnelMessage(ctx, payload)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": string(resp)})
}
