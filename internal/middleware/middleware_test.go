package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunewave/backend/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(p.UserID + "|" + p.Role + "|" + string(p.EntityType) + "|" + p.EntityID))
	})
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", testSecret)
	defer viper.Reset()
	handler := AuthMiddleware(principalEcho())

	t.Run("valid token populates principal", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"user_id":     "u1",
			"role":        "tenant",
			"entity_type": "Artist",
			"entity_id":   "a1",
			"exp":         time.Now().Add(time.Hour).Unix(),
		})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u1|tenant|Artist|a1", w.Body.String())
	})

	t.Run("role defaults to tenant", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"user_id":     7,
			"entity_type": "Label",
			"entity_id":   "l1",
		})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "7|tenant|Label|l1", w.Body.String())
	})

	t.Run("tenant token without entity claims", func(t *testing.T) {
		for _, claims := range []jwt.MapClaims{
			{"user_id": "u1"},
			{"user_id": "u1", "role": "tenant", "entity_type": "Artist"},
			{"user_id": "u1", "role": "tenant", "entity_id": "a1"},
		} {
			token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, claims)
		}
	})

	t.Run("operator needs no entity claims", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": "op", "role": "operator"})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "op|operator||", w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"user_id": "u1"})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"user_id": "u1",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing user_id claim", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"role": "admin"})
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(models.RoleOperator, models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		principal *models.Principal
		want      int
	}{
		{"operator allowed", &models.Principal{UserID: "op", Role: models.RoleOperator}, http.StatusNoContent},
		{"admin allowed", &models.Principal{UserID: "ad", Role: models.RoleAdmin}, http.StatusNoContent},
		{"tenant forbidden", &models.Principal{UserID: "t", Role: models.RoleTenant}, http.StatusForbidden},
		{"no principal", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tt.principal))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestIdempotency(t *testing.T) {
	ttl := 24 * time.Hour
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"payoutId":1}`))
	})

	newRequest := func() *http.Request {
		req := httptest.NewRequest("POST", "/api/v1/payouts", bytes.NewBufferString(`{}`))
		req.Header.Set(IdempotencyHeader, "abc")
		return req.WithContext(WithPrincipal(req.Context(), models.Principal{UserID: "u1"}))
	}
	key := "idem:u1:/api/v1/payouts:abc"

	t.Run("first request stores response", func(t *testing.T) {
		calls = 0
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).RedisNil()
		mock.ExpectSetNX(key, inflightMarker, time.Minute).SetVal(true)
		mock.ExpectSet(key, mustMarshal(cachedResponse{
			Status:      http.StatusCreated,
			ContentType: "application/json",
			Body:        `{"payoutId":1}`,
		}), ttl).SetVal("OK")

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(next).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated request is replayed", func(t *testing.T) {
		calls = 0
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).SetVal(mustMarshal(cachedResponse{
			Status:      http.StatusCreated,
			ContentType: "application/json",
			Body:        `{"payoutId":1}`,
		}))

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(next).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, `{"payoutId":1}`, w.Body.String())
		assert.Equal(t, "true", w.Header().Get(ReplayHeader))
		assert.Equal(t, 0, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in-flight request conflicts", func(t *testing.T) {
		calls = 0
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).SetVal(inflightMarker)

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(next).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, 0, calls)
	})

	t.Run("lost reservation race conflicts", func(t *testing.T) {
		calls = 0
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).RedisNil()
		mock.ExpectSetNX(key, inflightMarker, time.Minute).SetVal(false)

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(next).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, 0, calls)
	})

	t.Run("server error releases key", func(t *testing.T) {
		failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).RedisNil()
		mock.ExpectSetNX(key, inflightMarker, time.Minute).SetVal(true)
		mock.ExpectDel(key).SetVal(1)

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(failing).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis failure passes through", func(t *testing.T) {
		calls = 0
		rdb, mock := redismock.NewClientMock()
		mock.ExpectGet(key).SetErr(errors.New("connection refused"))

		w := httptest.NewRecorder()
		Idempotency(rdb, ttl)(next).ServeHTTP(w, newRequest())

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, calls)
	})

	t.Run("no header or nil client passes through", func(t *testing.T) {
		calls = 0
		req := httptest.NewRequest("POST", "/api/v1/payouts", nil)
		w := httptest.NewRecorder()
		Idempotency(nil, ttl)(next).ServeHTTP(w, req)
		assert.Equal(t, 1, calls)
	})
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"payoutId":1,"outcome":"settled"}`)
	var received []byte
	handler := VerifySignature("shh")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/callbacks/payouts", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, "sha256="+Sign("shh", body))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, body, received)
	})

	t.Run("invalid signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/callbacks/payouts", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, Sign("other", body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/callbacks/payouts", bytes.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no secret configured", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/callbacks/payouts", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, Sign("", body))
		w := httptest.NewRecorder()
		VerifySignature("")(http.NotFoundHandler()).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
