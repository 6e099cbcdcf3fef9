package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateTokenClaims(t *testing.T) {
	t.Parallel()
	signed, expiresAt, err := GenerateToken("user-123", "Alice", testSecret, 5*time.Minute)
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)

	assert.Equal(t, "user-123", claims[claimSubject])
	assert.Equal(t, "user-123", claims[claimUserID])
	assert.Equal(t, "Alice", claims[claimDisplayName])
	assert.Equal(t, expiresAt.Unix(), int64(claims["exp"].(float64)))
	assert.Equal(t, int64(5*60), int64(claims["exp"].(float64))-int64(claims["iat"].(float64)))
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Parallel()
	_, _, err := GenerateToken(" ", "", testSecret, time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("u", "", "", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("u", "", testSecret, 0)
	assert.Error(t, err)
}

func TestMiddlewareSetsUser(t *testing.T) {
	t.Parallel()
	signed, _, err := GenerateToken("user-123", "Alice", testSecret, time.Minute)
	require.NoError(t, err)

	e := echo.New()
	e.Use(JWTMiddleware(testSecret, nil))
	e.GET("/me", func(c echo.Context) error {
		id, err := UserIDFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, id+"/"+DisplayNameFromContext(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-123/Alice", rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+signed, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserIDFromContextMissingUser(t *testing.T) {
	t.Parallel()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	_, err := UserIDFromContext(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
	assert.Empty(t, DisplayNameFromContext(c))
}
