package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/qianfanbot/internal/auth"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/metrics", want: true},
		{path: "/api/messages", want: false},
		{path: "/api/threads/abc", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routes struct{}

func (routes) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/api/secret", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/panic", func(c echo.Context) error { panic("boom") })
}

func TestServerGuardsAPIRoutes(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", "secret", routes{}, nil)
	serve := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("/ping", ""); code != http.StatusOK {
		t.Fatalf("ping should be open, got %d", code)
	}
	if code := serve("/api/secret", ""); code != http.StatusUnauthorized {
		t.Fatalf("api should require a token, got %d", code)
	}
	token, _, err := auth.GenerateToken("alice", "", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if code := serve("/api/secret", token); code != http.StatusOK {
		t.Fatalf("valid token rejected, got %d", code)
	}
	if code := serve("/api/panic", token); code != http.StatusInternalServerError {
		t.Fatalf("panic should be recovered, got %d", code)
	}
}
