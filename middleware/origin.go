package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"VeChat/tools/errs"
)

// Origin 不调用 c.Next，可以放进 MiddlewareManager 串行执行。
// 跨域校验，/vechat 握手也走这里：不在白名单的 Origin 直接 403，命中的回写 CORS 头。
// allowed 为空时全部放行，支持 "*.example.com" 形式的子域通配
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			return
		}
		if !originOK(allowed, origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": errs.Forbidden, "message": "origin not allowed"})
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Add("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
		}
	}
}

func originOK(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "*":
			return true
		case strings.HasPrefix(a, "*."):
			if strings.HasSuffix(host, a[1:]) {
				return true
			}
		case strings.Contains(a, "://"):
			if strings.EqualFold(a, strings.TrimSuffix(origin, "/")) {
				return true
			}
		case a == host:
			return true
		}
	}
	return false
}
