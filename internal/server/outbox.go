package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OutboxStats reports the backlog of every outbox table and refreshes its gauges.
func (s *Server) OutboxStats(c *gin.Context) {
	stats, err := s.outbox.AllStats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}
