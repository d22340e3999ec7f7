package build

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLoggingMiddleWare returns a middleware that logs incoming requests
// with Logrus. Bodies of blacklisted paths are not read or logged.
func GinLoggingMiddleWare(logger *logrus.Logger, blacklist []string) gin.HandlerFunc {
	blackListMap := make(map[string]struct{})
	for _, elem := range blacklist {
		blackListMap[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		// read the body so it can be logged
		var bodyBytes []byte
		// don't read the body if the path is blacklisted
		if _, found := blackListMap[path]; !found {
			// we don't check the error here, as we later check for 0 length anyways
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			// restore the original buffer so it can be read later
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		} else {
			bodyBytes = []byte("not logged")
		}

		if c.Request.URL != nil {
			query := c.Request.URL.Query()
			if len(query) > 0 {
				withFields = withFields.WithField("query", query)
			}
		}

		// if the body is non-empty, add it
		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		// pass the request on to the next handler
		c.Next()

		// set status after errors have been handled
		withFields = withFields.WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start))

		switch {
		case c.Writer.Status() >= 500:
			withFields.Error("Request failed")
		case c.Writer.Status() >= 400:
			withFields.Warn("Request rejected")
		default:
			withFields.Info("Handled request")
		}
	}
}
