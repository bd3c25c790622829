package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	JobsCreated.WithLabelValues("FETCHABLE").Inc()
	TasksFailed.WithLabelValues(ReasonInvalidTarget).Inc()

	// registering twice must not panic
	_ = Handler()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `packager_jobs_created_total{type="FETCHABLE"}`)
	assert.Contains(t, string(body), `packager_tasks_failed_total{reason="invalid_target"}`)
}
