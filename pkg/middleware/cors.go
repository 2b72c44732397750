package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods   = "GET, POST, OPTIONS"
	corsAllowHeaders   = "Authorization, Content-Type, X-Request-ID"
	corsExposeHeaders  = "X-Request-ID, X-Operator"
	corsMaxAgeSeconds  = "600"
	corsAnyOrigin      = "*"
	corsRequestMethod  = "Access-Control-Request-Method"
	corsVaryHeaderName = "Vary"
)

// CORS は運用ダッシュボードから通知履歴APIと手動投入APIを呼ぶためのGinミドルウェアを返す。
// allowedOriginsに "*" を含めるとすべてのオリジンを許可する。空なら何も許可しない。
// プリフライトリクエストはハンドラーに渡さず204で応答する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	anyOrigin := slices.Contains(allowedOrigins, corsAnyOrigin)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Writer.Header().Add(corsVaryHeaderName, "Origin")

		_, ok := allowed[origin]
		if !ok && !anyOrigin {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if c.Request.Method == http.MethodOptions && c.GetHeader(corsRequestMethod) != "" {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAgeSeconds)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
