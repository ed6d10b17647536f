package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// SupabaseConfig 描述 Supabase 项目的鉴权参数。
type SupabaseConfig struct {
	ProjectURL string
	AnonKey    string
	JWTSecret  string
	// HTTPClient 用于 JWKS 拉取与远程校验，为空时使用带超时的默认客户端。
	HTTPClient *http.Client
}

type headerTransport struct {
	T   http.RoundTripper
	Key string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("apikey", t.Key)
	if t.T == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.T.RoundTrip(req)
}

// supabaseClaims 是 Supabase access token 中关心的字段，workspace 放在 app_metadata 里。
type supabaseClaims struct {
	jwt.RegisteredClaims
	AppMetadata struct {
		WorkspaceID string `json:"workspace_id"`
	} `json:"app_metadata"`
}

type supabaseVerifier struct {
	cfg    SupabaseConfig
	client *http.Client
	jwks   *keyfunc.JWKS
	log    logrus.FieldLogger
}

// SupabaseAuth 创建 JWT 鉴权中间件。
// 依次尝试本地 HMAC、JWKS 公钥，最后回退到 Supabase 的 /auth/v1/user 接口。
func SupabaseAuth(cfg SupabaseConfig, log logrus.FieldLogger) func(http.Handler) http.Handler {
	v := &supabaseVerifier{cfg: cfg, client: cfg.HTTPClient, log: log.WithField("component", "supabase_auth")}
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}

	if cfg.ProjectURL != "" && cfg.AnonKey != "" {
		jwksURL := strings.TrimRight(cfg.ProjectURL, "/") + "/auth/v1/.well-known/jwks.json"
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			Client:          &http.Client{Timeout: v.client.Timeout, Transport: &headerTransport{T: v.client.Transport, Key: cfg.AnonKey}},
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				v.log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			v.log.WithError(err).WithField("jwks_url", jwksURL).Warn("jwks init failed, asymmetric tokens fall back to remote validation")
		} else {
			v.jwks = jwks
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "Bearer", "missing Authorization header")
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, "Bearer", "invalid Authorization format, expected: Bearer <token>")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if token == "" {
				writeAuthError(w, "Bearer", "empty token")
				return
			}

			id, err := v.verify(r.Context(), token)
			if err != nil {
				v.log.WithError(err).Debug("token rejected")
				writeAuthError(w, "Bearer", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func (v *supabaseVerifier) verify(ctx context.Context, token string) (Identity, error) {
	id, err := v.verifyLocally(token)
	if err == nil {
		return id, nil
	}
	if v.cfg.ProjectURL == "" || v.cfg.AnonKey == "" {
		return Identity{}, err
	}
	v.log.WithError(err).Debug("local validation failed, trying remote")
	return v.verifyRemotely(ctx, token)
}

func (v *supabaseVerifier) verifyLocally(token string) (Identity, error) {
	claims := &supabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
			if v.cfg.JWTSecret == "" {
				return nil, errors.New("hmac token but no jwt secret configured")
			}
			return []byte(v.cfg.JWTSecret), nil
		}
		if v.jwks != nil {
			return v.jwks.Keyfunc(t)
		}
		return nil, fmt.Errorf("no key for alg %v", t.Header["alg"])
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{UserID: claims.Subject, WorkspaceID: claims.AppMetadata.WorkspaceID}, nil
}

// verifyRemotely 通过 Supabase 用户接口校验 token。
func (v *supabaseVerifier) verifyRemotely(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(v.cfg.ProjectURL, "/")+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.cfg.AnonKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("remote validation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("remote validation failed with status %d", resp.StatusCode)
	}

	var user struct {
		ID          string `json:"id"`
		AppMetadata struct {
			WorkspaceID string `json:"workspace_id"`
		} `json:"app_metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return Identity{}, errors.New("remote validation returned no user id")
	}
	return Identity{UserID: user.ID, WorkspaceID: user.AppMetadata.WorkspaceID}, nil
}
