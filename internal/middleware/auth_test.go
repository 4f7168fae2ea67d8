package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	InitAuthMiddleware(nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := r.Context().Value("userID").(string)
		w.Write([]byte(userID))
	})
	handler := AuthMiddleware(next)

	t.Run("valid token passes account id through", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{"account_id": "alice"})

		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alice", w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		token := signTestToken(t, "other-secret", jwt.MapClaims{"account_id": "alice"})

		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing account_id claim", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{"sub": "alice"})

		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("revoked token", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		InitAuthMiddleware(redisClient)
		defer InitAuthMiddleware(nil)

		token := signTestToken(t, "test-secret", jwt.MapClaims{"account_id": "alice"})
		mock.ExpectExists("revoked:" + token).SetVal(1)

		req := httptest.NewRequest("GET", "/wallet/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
