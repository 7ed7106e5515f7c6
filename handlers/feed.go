package handlers

import (
	"log"

	"apns-pusher/feed"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

// WSHandler upgrades the request and streams session events until the
// client disconnects.
func WSHandler(h *feed.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[Feed] Upgrade failed: %v", err)
			return
		}
		h.Serve(c.Request.Context(), conn)
	}
}
