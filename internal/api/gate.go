package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docproc/internal/guard"
	"docproc/internal/ratelimit"
)

// Gate is the abuse filter in front of the job routes. Failures of the
// backing store let requests through.
type Gate struct {
	guard   Guard
	limiter Limiter
	rules   map[string][]ratelimit.Window
	exempt  map[string]struct{}
	logger  *slog.Logger
}

func NewGate(g Guard, limiter Limiter, rules map[string][]ratelimit.Window, exemptPaths []string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}
	return &Gate{guard: g, limiter: limiter, rules: rules, exempt: exempt, logger: logger}
}

func (g *Gate) isExempt(c *gin.Context) bool {
	_, ok := g.exempt[c.Request.URL.Path]
	return ok
}

// Middleware checks blocks, then the user agent, then request volume.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.isExempt(c) {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		identity := c.ClientIP()
		logger := g.logger.With("identity", identity, "path", c.Request.URL.Path)

		info, err := g.guard.BlockInfo(ctx, identity)
		if err != nil {
			logger.Warn("block check failed, allowing request", "err", err)
		}
		if info != nil {
			logger.Warn("blocked request rejected", "reason", info.Reason)
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:     ErrBlocked,
				Reason:    info.Reason,
				ExpiresIn: int64(info.ExpiresIn.Seconds()),
			})
			return
		}

		if class := g.guard.ClassifyUserAgent(c.GetHeader("User-Agent")); class != guard.AgentAllowed {
			logger.Warn("automated request rejected", "agent", class.String())
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   ErrAutomation,
				Message: "Automated requests are not allowed",
				Reason:  class.String(),
			})
			return
		}

		suspicious, err := g.guard.TrackRequest(ctx, identity, endpoint(c))
		if err != nil {
			logger.Warn("request tracking failed", "err", err)
		}
		if suspicious {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:  ErrSuspicious,
				Reason: guard.ReasonSuspicious,
			})
			return
		}
		c.Next()
	}
}

// Limit enforces the windows configured for class. Every rejection counts as
// a violation against the caller.
func (g *Gate) Limit(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		windows := g.rules[class]
		if len(windows) == 0 || g.isExempt(c) {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		identity := c.ClientIP()

		d := g.limiter.Check(ctx, identity, class, windows)
		if d.Allowed {
			if !d.Degraded {
				c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			}
			c.Next()
			return
		}

		count, err := g.guard.RecordViolation(ctx, identity)
		if err != nil {
			g.logger.Warn("violation not recorded", "identity", identity, "err", err)
		}
		g.logger.Warn("rate limit exceeded", "identity", identity, "class", class, "window", d.Window, "violations", count)

		retryAfter := int64(d.ResetIn.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error:   ErrRateLimited,
			Message: "limit of " + strconv.FormatInt(d.Limit, 10) + " per " + d.Window.String() + " exceeded",
		})
	}
}

func endpoint(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return c.Request.Method + " " + p
	}
	return c.Request.Method + " " + strings.TrimSuffix(c.Request.URL.Path, "/")
}
