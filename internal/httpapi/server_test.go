package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/incident"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/metrics"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

func newTestServer(t *testing.T) (*Server, *incident.Registry) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg, err := incident.NewRegistry(s, 0, logging.Discard())
	require.NoError(t, err)

	status := func() map[string]any { return map[string]any{"agent_loops_active": 0} }
	return NewServer(logging.Discard(), "host-1", reg, metrics.New().Handler(), status), reg
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func openIncident(t *testing.T, reg *incident.Registry, fp string) model.Incident {
	t.Helper()
	inc, created, err := reg.Open(context.Background(), model.Incident{
		Kind:        model.KindHighCPU,
		Severity:    model.SeverityP1,
		Title:       "CPU at 97%",
		Fingerprint: fp,
		Detector:    "high_cpu",
	})
	require.NoError(t, err)
	require.True(t, created)
	return inc
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "host-1", body.HostID)
}

func TestIncidents(t *testing.T) {
	srv, reg := newTestServer(t)
	a := openIncident(t, reg, "high_cpu:a")
	b := openIncident(t, reg, "high_cpu:b")
	_, err := reg.Transition(context.Background(), b.ID, model.StatusAlertOnly, "alert only")
	require.NoError(t, err)

	t.Run("all", func(t *testing.T) {
		rec := get(t, srv, "/incidents")
		require.Equal(t, http.StatusOK, rec.Code)
		var list IncidentList
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
		assert.Equal(t, 2, list.Count)
	})

	t.Run("filtered", func(t *testing.T) {
		rec := get(t, srv, "/incidents?status=open")
		require.Equal(t, http.StatusOK, rec.Code)
		var list IncidentList
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
		require.Equal(t, 1, list.Count)
		assert.Equal(t, a.ID, list.Incidents[0].ID)
	})

	t.Run("empty filter result is an empty array", func(t *testing.T) {
		rec := get(t, srv, "/incidents?status=resolved")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"incidents":[]`)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := get(t, srv, "/incidents?status=bogus")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("one", func(t *testing.T) {
		rec := get(t, srv, "/incidents/"+b.ID)
		require.Equal(t, http.StatusOK, rec.Code)
		var inc model.Incident
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&inc))
		assert.Equal(t, model.StatusAlertOnly, inc.Status)
		assert.Equal(t, "alert only", inc.Resolution)
	})

	t.Run("missing", func(t *testing.T) {
		rec := get(t, srv, "/incidents/does-not-exist")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agent_loops_active":0`)

	rec = get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "hostguard_incidents_open"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
