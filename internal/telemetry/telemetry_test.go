package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CallsRecorded.WithLabelValues(Outcome(true)).Inc()
	m.CallsRecorded.WithLabelValues(Outcome(false)).Add(2)
	m.Submissions.WithLabelValues(Result(errors.New("x"))).Inc()
	m.QueueSize.Set(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsRecorded.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "selfopt_learning_queue_size 7"))
}

func TestTwoInstancesDoNotConflict(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
