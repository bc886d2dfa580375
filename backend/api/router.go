package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/service"
	"tunnelmgr/backend/service/generator"
	"tunnelmgr/backend/service/geo"
	"tunnelmgr/backend/service/tunnel"
)

type Router struct {
	service *service.Facade
	hub     *statusHub
}

func NewRouter(svc *service.Facade) *gin.Engine {
	r := &Router{service: svc, hub: newStatusHub(svc)}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	engine.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.service.Snapshot())
	})

	tun := engine.Group("/tunnel")
	{
		tun.GET("/status", r.getTunnelStatus)
		tun.POST("/switch", r.switchTunnel)
		tun.POST("/start", r.startTunnel)
		tun.POST("/stop", r.stopTunnel)
		tun.POST("/message", r.sendTunnelMessage)
		tun.GET("/events", r.hub.serve)
	}

	groups := engine.Group("/groups")
	{
		groups.GET("", r.listGroups)
		groups.POST("", r.createGroup)
		// 静态路径优先于 :id
		groups.GET("/default", r.getDefaultGroup)
		groups.PUT("/default", r.setDefaultGroup)
		groups.PUT(":id", r.updateGroup)
		groups.DELETE(":id", r.deleteGroup)
	}

	proxies := engine.Group("/proxies")
	{
		proxies.GET("", r.listProxies)
		proxies.POST("", r.createProxy)
		proxies.PUT(":id", r.updateProxy)
	}

	ruleSets := engine.Group("/rulesets")
	{
		ruleSets.GET("", r.listRuleSets)
		ruleSets.POST("", r.createRuleSet)
		ruleSets.PUT(":id", r.updateRuleSet)
	}

	engine.POST("/config/regenerate", r.regenerate)

	geoip := engine.Group("/geoip")
	{
		geoip.GET("", r.getGeoIP)
		geoip.POST("/refresh", r.refreshGeoIP)
		geoip.GET("/lookup", r.lookupGeoIP)
	}

	logs := engine.Group("/logs")
	{
		logs.GET("", r.listLogSources)
		logs.GET(":source", r.getLogs)
	}
}

// ==================== 配置组 ====================

type groupRequest struct {
	Name           string   `json:"name" binding:"required"`
	ProxyIDs       []string `json:"proxyIds"`
	RuleSetIDs     []string `json:"ruleSetIds"`
	DNS            string   `json:"dns"`
	DefaultToProxy bool     `json:"defaultToProxy"`
}

func (req groupRequest) apply(g domain.ConfigurationGroup) domain.ConfigurationGroup {
	g.Name = strings.TrimSpace(req.Name)
	g.ProxyIDs = req.ProxyIDs
	g.RuleSetIDs = req.RuleSetIDs
	g.DNS = strings.TrimSpace(req.DNS)
	g.DefaultToProxy = req.DefaultToProxy
	return g
}

func (r *Router) listGroups(c *gin.Context) {
	list, err := r.service.ListGroups(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": list})
}

func (r *Router) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	created, err := r.service.CreateGroup(c.Request.Context(), req.apply(domain.ConfigurationGroup{}))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) updateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	updated, err := r.service.UpdateGroup(c.Request.Context(), c.Param("id"), func(g domain.ConfigurationGroup) (domain.ConfigurationGroup, error) {
		return req.apply(g), nil
	})
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) deleteGroup(c *gin.Context) {
	if err := r.service.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) getDefaultGroup(c *gin.Context) {
	g, err := r.service.DefaultGroup(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (r *Router) setDefaultGroup(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, err := r.service.SetDefaultGroup(c.Request.Context(), strings.TrimSpace(req.ID))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// ==================== 代理 / 规则集 ====================

func (r *Router) listProxies(c *gin.Context) {
	list, err := r.service.ListProxies(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": list})
}

func (r *Router) createProxy(c *gin.Context) {
	var req domain.Proxy
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateProxy(req); err != nil {
		badRequest(c, err)
		return
	}
	req.ID = ""
	created, err := r.service.CreateProxy(c.Request.Context(), req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) updateProxy(c *gin.Context) {
	var req domain.Proxy
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateProxy(req); err != nil {
		badRequest(c, err)
		return
	}
	updated, err := r.service.UpdateProxy(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func validateProxy(p domain.Proxy) error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.New("port is invalid")
	}
	switch p.Type {
	case domain.ProxyShadowsocks, domain.ProxyShadowsocksR, domain.ProxySocks5, domain.ProxyHTTP, domain.ProxyHTTPS:
	default:
		return errors.New("type is invalid")
	}
	return nil
}

func (r *Router) listRuleSets(c *gin.Context) {
	list, err := r.service.ListRuleSets(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ruleSets": list})
}

func (r *Router) createRuleSet(c *gin.Context) {
	var req domain.RuleSet
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.ID = ""
	created, err := r.service.CreateRuleSet(c.Request.Context(), req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) updateRuleSet(c *gin.Context) {
	var req domain.RuleSet
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	updated, err := r.service.UpdateRuleSet(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ==================== 配置生成 ====================

func (r *Router) regenerate(c *gin.Context) {
	if err := r.service.Regenerate(c.Request.Context()); err != nil {
		r.handleError(c, err)
		return
	}
	paths := r.service.Paths()
	c.JSON(http.StatusOK, gin.H{
		"general":   paths.GeneralConf,
		"forwarder": paths.ForwarderConf,
		"http":      paths.HTTPMainConf,
		"actions":   paths.ActionsFile,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (r *Router) handleError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrInvalidData) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if service.IsNotFound(err) || errors.Is(err, geo.ErrNotProvisioned) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, tunnel.ErrInvalidProvider) ||
		errors.Is(err, tunnel.ErrTunnelStartFailure) ||
		errors.Is(err, geo.ErrDownloadFailed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, tunnel.ErrManagerClosed) || errors.Is(err, repository.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, generator.ErrConfigWrite) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": "config_write"})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
