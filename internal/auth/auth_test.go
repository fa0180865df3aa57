package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("ops", "ops-secret", "netting:operate")
	s.RegisterAPICredentials("cfo", "cfo-secret", "netting:operate", "netting:approve")
	return s
}

func TestGenerateAndValidateToken(t *testing.T) {
	s := newTestService()

	token, err := s.GenerateToken(Credentials{APIKey: "cfo", APISecret: "cfo-secret"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiration, 5*time.Second)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "cfo", claims.ClientID)
	assert.Equal(t, []string{"netting:operate", "netting:approve"}, claims.Permissions)
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := newTestService()

	_, err := s.GenerateToken(Credentials{APIKey: "ops", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.GenerateToken(Credentials{APIKey: "nobody", APISecret: "ops-secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	s := newTestService()
	other := NewService("another-secret", time.Hour)
	other.RegisterAPICredentials("ops", "ops-secret", "netting:operate")

	token, err := other.GenerateToken(Credentials{APIKey: "ops", APISecret: "ops-secret"})
	require.NoError(t, err)

	_, err = s.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s := newTestService()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		ClientID:         "ops",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = s.ValidateToken(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/token", NewGinHandlers(newTestService()).GenerateTokenHandler())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid", body: `{"api_key":"ops","api_secret":"ops-secret"}`, wantStatus: http.StatusCreated},
		{name: "wrong secret", body: `{"api_key":"ops","api_secret":"nope"}`, wantStatus: http.StatusUnauthorized},
		{name: "missing fields", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusCreated {
				var body struct {
					Success bool          `json:"success"`
					Data    TokenResponse `json:"data"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.True(t, body.Success)
				assert.NotEmpty(t, body.Data.Token)
			}
		})
	}
}
