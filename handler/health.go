package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health 健康检查
func Health(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version,
		})
	}
}
