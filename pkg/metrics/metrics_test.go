package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServer_Readyz(t *testing.T) {
	t.Run("без проверки — ready", func(t *testing.T) {
		s := NewServer(":0", "test")

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
	})

	t.Run("зависимость недоступна — 503 без деталей", func(t *testing.T) {
		s := NewServer(":0", "test", WithReadinessCheck(func(context.Context) error {
			return errors.New("mysql ping: connection refused")
		}))

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "mysql")
	})
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer(":0", "test")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
