package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (r *Router) listLogSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": r.service.LogSources()})
}

func (r *Router) getLogs(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			badRequest(c, errors.New("invalid 'since' parameter: must be a non-negative integer"))
			return
		}
		since = v
	}
	snap, err := r.service.Logs(c.Param("source"), since)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
