package httpapi

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"propledger/docs/openapi"
	"propledger/internal/adapters/reports"
	"propledger/internal/blob"
	"propledger/internal/core"
	"propledger/internal/infra/persistence/memory"
)

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	svc := core.NewService(memory.NewStore())
	s, err := NewServer(svc, staticAuth{}, WithReports(reports.NewWorker(svc, blob.NewMemory())), WithMetrics(prometheus.NewRegistry()), WithDebugVars())
	require.NoError(t, err)

	var routed []string
	require.NoError(t, chi.Walk(s.Router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.ReplaceAll(route, "/*/", "/")
		routed = append(routed, method+" "+strings.TrimSuffix(route, "/*"))
		return nil
	}))

	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapi.Spec(), &doc))
	var documented []string
	for path, ops := range doc.Paths {
		for method := range ops {
			if method == "parameters" {
				continue
			}
			documented = append(documented, strings.ToUpper(method)+" "+path)
		}
	}
	sort.Strings(routed)
	sort.Strings(documented)
	assert.Equal(t, documented, routed)
}

func TestOpenAPIServedWithoutToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, openapi.ContentType, resp.Header.Get("Content-Type"))
}

func TestDebugVarsOnlyWhenEnabled(t *testing.T) {
	svc := core.NewService(memory.NewStore())
	for _, enabled := range []bool{false, true} {
		var opts []Option
		if enabled {
			opts = append(opts, WithDebugVars())
		}
		s, err := NewServer(svc, staticAuth{}, opts...)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
		if enabled {
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "memstats")
		} else {
			assert.Equal(t, http.StatusNotFound, rec.Code)
		}
	}
}
