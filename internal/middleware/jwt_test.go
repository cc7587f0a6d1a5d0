package myMiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(id int64) Claims {
	return Claims{
		ID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func Test_HMACValidator(t *testing.T) {
	req := require.New(t)
	v := NewHMACValidator(testSecret)

	id, err := v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(7)))
	req.NoError(err)
	req.Equal(int64(7), id)

	_, err = v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims(7)))
	req.Error(err)

	_, err = v.ValidateToken(sign(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims(7)))
	req.Error(err)

	_, err = v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(0)))
	req.Error(err)

	expired := validClaims(7)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired))
	req.Error(err)
}

func Test_AuthMiddleware(t *testing.T) {
	mw := NewAuthMiddleware(NewHMACValidator(testSecret))
	var seen int64
	h := mw.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		if ok {
			seen = id
		}
		w.WriteHeader(http.StatusOK)
	}))
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(42))

	t.Run("bearer header", func(t *testing.T) {
		req := require.New(t)
		seen = 0
		r := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		req.Equal(http.StatusOK, w.Code)
		req.Equal(int64(42), seen)
	})

	t.Run("query fallback", func(t *testing.T) {
		req := require.New(t)
		seen = 0
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
		req.Equal(http.StatusOK, w.Code)
		req.Equal(int64(42), seen)
	})

	t.Run("missing token", func(t *testing.T) {
		req := require.New(t)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
		req.Equal(http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := require.New(t)
		r := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		r.Header.Set("Authorization", "Bearer not-a-jwt")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		req.Equal(http.StatusUnauthorized, w.Code)
	})
}

func Test_Timeout_Sets_Deadline(t *testing.T) {
	req := require.New(t)
	var hasDeadline bool
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	req.True(hasDeadline)

	Timeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	req.False(hasDeadline)
}
