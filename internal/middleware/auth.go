// Package middleware содержит HTTP middleware панели.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
)

type contextKey string

const userKey contextKey = "user"

const authCookieName = "auth_token"

// Claims — утверждения токена, выпущенного внешним провайдером идентификации.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет JWT (HS256) из заголовка Authorization или cookie auth_token.
type AuthMiddleware struct {
	secretKey []byte
	logger    *zap.Logger
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете используется случайный ключ,
// и ни один внешний токен не пройдёт проверку.
func NewAuthMiddleware(secret string, logger *zap.Logger) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthMiddleware{
		secretKey: key,
		logger:    logger,
	}
}

// Middleware извлекает пользователя из токена и кладёт его в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		user, err := a.parseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireAdmin пропускает только пользователей с ролью admin. Должен стоять после Middleware.
func (a *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if !user.IsAdmin() {
			a.logger.Warn("admin access denied",
				zap.String("user_id", user.ID),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(authCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (a *AuthMiddleware) parseToken(raw string) (model.User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.User{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return model.User{}, errors.New("token has no subject")
	}

	role := model.RoleUser
	if model.Role(claims.Role) == model.RoleAdmin {
		role = model.RoleAdmin
	}
	return model.User{ID: claims.Subject, Role: role}, nil
}

// WithUser возвращает контекст с пользователем.
func WithUser(ctx context.Context, user model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// GetUserFromContext извлекает пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userKey).(model.User)
	return u, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
