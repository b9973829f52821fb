package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/masterbase/cmd/api-gateway/middleware"
	"github.com/lgulliver/masterbase/internal/demodata"
	"github.com/lgulliver/masterbase/pkg/types"
)

// DemoDataRoutes sets up late bytes submission and the analyst endpoints
func DemoDataRoutes(r gin.IRouter, guard middleware.KeyGuard, svc DemoDataService) {
	authenticated := r.Group("/")
	authenticated.Use(middleware.RequireAPIKey(guard))
	authenticated.POST("/late_bytes", handleLateBytes(svc))

	analysts := r.Group("/")
	analysts.Use(middleware.RequireAPIKey(guard), middleware.RequireAnalyst(guard))
	analysts.GET("/list_demos", handleListDemos(svc))
	analysts.GET("/demodata", handleDownload(svc))
}

func handleLateBytes(svc DemoDataService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LateBytesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
			return
		}

		if err := svc.SetLateBytes(c.Request.Context(), middleware.GetAPIKey(c), req.LateBytes); err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"late_bytes": true})
	}
}

func handleListDemos(svc DemoDataService) gin.HandlerFunc {
	return func(c *gin.Context) {
		// unparsable values fall back to the defaults
		pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(demodata.MaxPageSize)))
		pageNumber, _ := strconv.Atoi(c.DefaultQuery("page_number", "1"))

		demos, err := svc.ListDemos(c.Request.Context(), middleware.GetAPIKey(c), pageSize, pageNumber)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, demos)
	}
}

func handleDownload(svc DemoDataService) gin.HandlerFunc {
	return func(c *gin.Context) {
		demo, err := svc.Download(c.Request.Context(), c.Query("session_id"))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", demo.Filename))
		c.Data(http.StatusOK, "application/octet-stream", demo.Data)
	}
}
