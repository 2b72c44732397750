package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestHTTPMetrics はHTTPMetricsミドルウェアを検証する。
func TestHTTPMetrics(t *testing.T) {
	t.Parallel()

	t.Run("ルートパターンごとにリクエスト数が記録されること", func(t *testing.T) {
		t.Parallel()

		m := NewHTTPMetrics(prometheus.NewRegistry())
		router := gin.New()
		router.Use(m.Handler())
		router.GET("/items/:id", okHandler)

		for _, path := range []string{"/items/1", "/items/2", "/missing"} {
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		}

		if got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/items/:id", "200")); got != 2 {
			t.Errorf("/items/:id のリクエスト数 = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "unmatched", "404")); got != 1 {
			t.Errorf("unmatched のリクエスト数 = %v, want 1", got)
		}
	})

	t.Run("同じレジストリに二重登録するとパニックすること", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		NewHTTPMetrics(reg)
		defer func() {
			if recover() == nil {
				t.Error("二重登録でパニックするべき")
			}
		}()
		NewHTTPMetrics(reg)
	})
}
