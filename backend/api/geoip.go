package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (r *Router) getGeoIP(c *gin.Context) {
	info, err := r.service.GeoIPInfo(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *Router) refreshGeoIP(c *gin.Context) {
	updated, err := r.service.RefreshGeoIP(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (r *Router) lookupGeoIP(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		badRequest(c, errors.New("missing 'ip' parameter"))
		return
	}
	country, err := r.service.LookupCountry(ip)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "country": country})
}
