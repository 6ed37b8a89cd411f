// Package middleware содержит HTTP middleware реферального сервиса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

const bearerPrefix = "Bearer "

// AuthMiddleware выполняет проверку аутентификации пользователя по подписанному
// bearer-токену в заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет bearer-токен и добавляет идентификатор пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := a.parseToken(strings.TrimPrefix(header, bearerPrefix))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает подписанный токен для указанного идентификатора пользователя.
func (a *AuthMiddleware) IssueToken(userID int64) string {
	return a.signUserID(strconv.FormatInt(userID, 10))
}

func (a *AuthMiddleware) signUserID(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	signature := mac.Sum(nil)
	return idStr + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseToken(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	signature := parts[1]

	expected := a.signUserID(idStr)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
