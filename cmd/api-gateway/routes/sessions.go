package routes

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/masterbase/cmd/api-gateway/middleware"
	"github.com/lgulliver/masterbase/pkg/types"
)

// SessionRoutes sets up the session lifecycle endpoints
func SessionRoutes(r gin.IRouter, guard middleware.KeyGuard, sessions SessionService, streams StreamRouter) {
	authenticated := r.Group("/")
	authenticated.Use(middleware.RequireAPIKey(guard))

	authenticated.GET("/session_id", middleware.RequireNoActiveSession(guard), handleOpenSession(sessions))
	authenticated.GET("/close_session", handleCloseSession(guard, sessions, streams))
	authenticated.GET("/session_id_active", handleSessionActive(sessions))
}

func handleOpenSession(sessions SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var meta types.SessionMetadata
		if err := c.ShouldBindQuery(&meta); err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
			return
		}

		sessionID, err := sessions.OpenSession(c.Request.Context(), middleware.GetAPIKey(c), meta)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.SessionIDResponse{SessionID: json.Number(sessionID)})
	}
}

// handleCloseSession closes the named session, or the caller's active one
// when session_id is omitted. Closing an already closed session reports false.
func handleCloseSession(guard middleware.KeyGuard, sessions SessionService, streams StreamRouter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		apiKey := middleware.GetAPIKey(c)

		sessionID := c.Query("session_id")
		if sessionID == "" {
			id, err := sessions.ActiveSessionID(ctx, apiKey)
			if err != nil {
				middleware.AbortWithError(c, err)
				return
			}
			sessionID = id
		}

		if err := guard.RequireOwned(ctx, apiKey, sessionID); err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		closed, err := streams.Close(ctx, apiKey, sessionID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.CloseSessionResponse{ClosedSuccessfully: closed})
	}
}

func handleSessionActive(sessions SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := sessions.IsActive(c.Request.Context(), middleware.GetAPIKey(c), c.Query("session_id"))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.SessionActiveResponse{IsActive: active})
	}
}
