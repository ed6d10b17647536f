package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

// CORS 生成允许指定来源访问的跨域中间件，"*" 表示放行全部来源。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := make([]string, 0, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		value := strings.TrimSpace(origin)
		if value == "" {
			continue
		}
		if value == "*" {
			allowAll = true
		}
		origins = append(origins, value)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodPatch, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-Requested-With",
			"X-Chunk-Sha256", "X-File-Sha256",
		},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: !allowAll,
		MaxAge:           600,
	})
	return c.Handler
}
