package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintdesk/go-ticket-server/internal/model"
)

func TestMetricsRecordQueueActivity(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSubmit(model.SubmitResult{Pending: true})
	m.ObserveSubmit(model.SubmitResult{Pending: true})
	m.ObserveSubmit(model.SubmitResult{})
	m.Enqueued(model.QueuedSubmission{}, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("created")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pending))

	m.Flushed(model.FlushResult{Synced: 3, Failed: 1}, 1, 250*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.flushEntries.WithLabelValues("synced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushEntries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1, testutil.CollectAndCount(m.flushDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.SetPending(7)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "maintdesk_queue_pending 7")
	assert.Contains(t, string(body), "go_goroutines")
}
