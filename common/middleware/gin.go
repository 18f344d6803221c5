package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
)

// gin flavored counterparts of the middlewares above, for gin-driven servers

// GinFail aborts the request chain with err rendered as the JSON failure envelope
func GinFail(c *gin.Context, err *se.Err) {
	c.AbortWithStatusJSON(err.StatusCode(), gin.H{"status": StatusFail, "message": err.Error()})
}

// GinBearerAuth is the gin counterpart of BearerAuth
func GinBearerAuth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			GinFail(c, se.NewUnauthenticated("please log in to continue"))
			return
		}
		uid, err := a.Authenticate(c.Request.Context(), token)
		if err != nil {
			GinFail(c, err)
			return
		}
		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), uid, token))
		c.Next()
	}
}

// GinUserID returns the authenticated caller identity of c
func GinUserID(c *gin.Context) string {
	return UserID(c.Request.Context())
}

// GinInstrumenter records request latency by matched route
func GinInstrumenter() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
