package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/stream"
	"github.com/rs/zerolog/log"
)

const (
	closeWriteWait = time.Second
	// control frame payloads are capped at 125 bytes, two of which hold the code
	maxCloseReason = 123
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   32 << 10,
	WriteBufferSize:  1 << 10,
	// uploads come from game clients, not browsers
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// DemoRoutes sets up the persistent upload connection at /demos
func DemoRoutes(r gin.IRouter, streams StreamRouter, maxFrameSize int64) {
	r.GET("/demos", handleDemoStream(streams, maxFrameSize))
}

func handleDemoStream(streams StreamRouter, maxFrameSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.Query("api_key")
		sessionID := c.Query("session_id")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer ws.Close()
		// uploads outlive the server's request timeouts
		_ = ws.SetReadDeadline(time.Time{})
		_ = ws.SetWriteDeadline(time.Time{})

		// persistence after a disconnect must not be cut short by the request context
		ctx := context.WithoutCancel(c.Request.Context())

		conn, err := streams.Accept(ctx, apiKey, sessionID)
		if err != nil {
			log.Info().Err(err).Str("session_id", sessionID).Msg("rejecting upload connection")
			closeWith(ws, closeCodeFor(err), err.Error())
			return
		}
		defer func() {
			if err := conn.Close(ctx); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("failed to finalize upload on disconnect")
			}
		}()

		if maxFrameSize > 0 {
			ws.SetReadLimit(maxFrameSize + 1)
		}

		for {
			messageType, msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("session_id", sessionID).Msg("upload connection lost")
				}
				return
			}

			if messageType != websocket.BinaryMessage {
				closeWith(ws, websocket.CloseUnsupportedData, "binary frames only")
				return
			}

			if err := conn.Receive(ctx, msg); err != nil {
				closeWith(ws, closeCodeFor(err), err.Error())
				return
			}

			if conn.Finalized() {
				closeWith(ws, websocket.CloseNormalClosure, "upload complete")
				return
			}
		}
	}
}

func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrInvalidFrame):
		return websocket.CloseProtocolError
	case errors.Is(err, common.ErrStorageFailure):
		return websocket.CloseInternalServerErr
	case errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, common.ErrForbidden),
		errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrConflict):
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	if code == websocket.CloseInternalServerErr {
		reason = "internal server error"
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
		log.Debug().Err(err).Msg("failed to send close frame")
	}
}
