package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAnalyst_API_Metrics_MiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	matched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/sessions/{id}", "204")
	implicit := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/implicit", "200")
	unmatched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeImplicit := testutil.ToFloat64(implicit)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	for _, path := range []string{"/sessions/a", "/sessions/b", "/implicit", "/nope"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, beforeMatched+2, testutil.ToFloat64(matched))
	require.Equal(t, beforeImplicit+1, testutil.ToFloat64(implicit))
	require.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
	require.Zero(t, testutil.ToFloat64(HTTPRequestsInFlight))
}
