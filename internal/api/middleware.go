package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/logging"
)

// HeaderRequestID carries the correlation id of a request.
const HeaderRequestID = "X-Request-ID"

// RequestRecorder observes finished requests.
type RequestRecorder interface {
	RecordRequest(method, route string, code int, d time.Duration)
}

// requestContext attaches a correlation id and a request logger.
func requestContext(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)

		ctx := logging.WithCorrelationIDCtx(c.Request.Context(), id)
		ctx = logging.WithLoggerCtx(ctx, base)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		loggerFrom(c).Debugf("request served", map[string]any{
			"method":   c.Request.Method,
			"route":    c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// recordRequests reports latency by route pattern.
func recordRequests(r RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// authenticate resolves the bearer token, if any. A request without a token
// proceeds anonymously; an unknown token is rejected.
func authenticate(p auth.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			c.Next()
			return
		}

		user, err := p.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: CodeAuthRequired, Message: "invalid or expired token"})
			return
		}
		c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

func userFrom(c *gin.Context) *auth.User {
	return auth.UserFromCtx(c.Request.Context())
}

func loggerFrom(c *gin.Context) *logging.Logger {
	return logging.FromCtx(c.Request.Context(), nil)
}
