package handlers

import (
	"log"
	"net/http"
	"strconv"

	"apns-pusher/apns"
	"apns-pusher/session"
	"apns-pusher/store"

	"github.com/gin-gonic/gin"
)

// errorStatus maps a send error to an HTTP status.
func errorStatus(err error) int {
	switch apns.KindOf(err) {
	case apns.KindValidation, apns.KindPayload:
		return http.StatusBadRequest
	case apns.KindCredential:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error(), "kind": apns.KindOf(err).String()}
}

func GetSettingsHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Settings())
	}
}

// UpdateSettingsHandler overlays the request body on the current settings.
// The device token list is managed by UpdateTokensHandler.
func UpdateSettingsHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := sess.Settings()
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if _, err := apns.ParseMode(settings.ConnectionMode); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}

		sess.SetSettings(settings)
		if err := sess.Save(); err != nil {
			log.Printf("[Session] %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
			return
		}
		c.JSON(http.StatusOK, sess.Settings())
	}
}

func UpdateTokensHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Tokens []struct {
				Token    string `json:"token"`
				Selected *bool  `json:"selected"`
			} `json:"tokens"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		devices := make([]session.Device, 0, len(req.Tokens))
		for _, t := range req.Tokens {
			// New tokens are selected unless stated otherwise.
			selected := t.Selected == nil || *t.Selected
			devices = append(devices, session.Device{Token: t.Token, Selected: selected})
		}
		sess.SetDevices(devices)
		if err := sess.Save(); err != nil {
			log.Printf("[Session] %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save device tokens"})
			return
		}
		c.JSON(http.StatusOK, sess.Devices())
	}
}

func OpenCertificateHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Path string `json:"path"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if err := sess.OpenCertificate(req.Path); err != nil {
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"topic":  sess.Settings().Topic,
			"status": sess.Status(),
		})
	}
}

// SendHandler runs one send operation and returns its report. The request
// returns once every device token has an outcome.
func SendHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := sess.Send(c.Request.Context())
		if err != nil {
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func StatusHandler(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  sess.Status(),
			"devices": sess.Devices(),
		})
	}
}

const defaultDeliveryLimit = 50

func DeliveriesHandler(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultDeliveryLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		deliveries, err := s.RecentDeliveries(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliveries"})
			return
		}
		total, err := s.GetDeliveryCount()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count deliveries"})
			return
		}
		if deliveries == nil {
			deliveries = []store.Delivery{}
		}
		c.JSON(http.StatusOK, gin.H{"total": total, "deliveries": deliveries})
	}
}
