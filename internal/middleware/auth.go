package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ownerContextKey struct{}

// Identity 是鉴权后写入 context 的调用方身份。
type Identity struct {
	UserID      string
	WorkspaceID string
}

// WithIdentity 返回携带身份信息的 context。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, id)
}

// GetIdentity 从 context 中获取经过鉴权的身份。
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ownerContextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// GetOwnerID 从 context 中获取经过鉴权的 owner ID。
func GetOwnerID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

// APIKeyAuth 创建 API Key 鉴权中间件，keys 为 API Key 到 owner ID 的映射。
// 支持 Authorization: ApiKey <token> 以及 X-API-Key 请求头。
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	owners := make(map[string]string, len(keys))
	for key, owner := range keys {
		key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
		if key != "" && owner != "" {
			owners[key] = owner
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if apiKey == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeAuthError(w, "ApiKey", "missing Authorization header")
					return
				}
				const prefix = "ApiKey "
				if !strings.HasPrefix(authHeader, prefix) {
					writeAuthError(w, "ApiKey", "invalid Authorization format, expected: ApiKey <token>")
					return
				}
				apiKey = strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			}
			if apiKey == "" {
				writeAuthError(w, "ApiKey", "empty API key")
				return
			}

			owner, ok := owners[apiKey]
			if !ok {
				writeAuthError(w, "ApiKey", "invalid API key")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{UserID: owner, WorkspaceID: r.Header.Get("X-Workspace-Id")})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StaticIdentity 用于关闭鉴权的开发环境，所有请求都归属同一个 owner。
func StaticIdentity(owner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithIdentity(r.Context(), Identity{UserID: owner, WorkspaceID: r.Header.Get("X-Workspace-Id")})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, scheme, message string) {
	w.Header().Set("WWW-Authenticate", scheme+` realm="DropVault API"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
