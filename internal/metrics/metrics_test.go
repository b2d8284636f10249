package metrics

import (
	"testing"
	"time"

	"sparkles/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncNotification("telegram", "sent")
	})
}

func TestReconcilerRecorder(t *testing.T) {
	var rec Reconciler

	before := value(t, eventsFired.WithLabelValues("send", "done"))
	rec.EventFired("send", models.StatusDone)
	assert.Equal(t, before+1, value(t, eventsFired.WithLabelValues("send", "done")))

	rec.LiveTimers("snooze", 3)
	assert.Equal(t, float64(3), value(t, liveTimers.WithLabelValues("snooze")))
	rec.LiveTimers("snooze", 0)
	assert.Equal(t, float64(0), value(t, liveTimers.WithLabelValues("snooze")))

	assert.NotPanics(t, func() {
		rec.FireLateness("send", 1500*time.Millisecond)
	})
}
