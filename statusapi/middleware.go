package statusapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	headerToken         = "token"
	headerCorrelationId = "x-correlation-id"
)

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(headerCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(headerCorrelationId, cid)
		c.Request = c.Request.WithContext(appctx.Set(c.Request.Context(), appctx.ContextKeyCorrelationId, cid))
		c.Next()
	}
}

// bearerAsToken lets callers send the operator token as a bearer credential.
func bearerAsToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerToken) == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				if token := strings.TrimSpace(auth[7:]); token != "" {
					c.Request.Header.Set(headerToken, token)
				}
			}
		}
		c.Next()
	}
}

// tokenMiddleware requires the operator token on every route except /healthz.
// An empty expected token disables the check.
func tokenMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" || c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		token := c.Request.Header.Get(headerToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(appctx.Set(c.Request.Context(), appctx.ContextKeyOperatorToken, token))
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders(headerToken, headerCorrelationId, "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", headerCorrelationId)
	return cors.New(corsConfig)
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		cid, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyCorrelationId)
		logger.WithFields(logrus.Fields{
			"field":          "StatusAPI",
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
