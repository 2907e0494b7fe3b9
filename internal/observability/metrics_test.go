package observability

import (
	"testing"
	"time"

	"github.com/danmuck/nettables/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	logger := testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("ntserver", "GET", "/health", 200, 12*time.Millisecond)
	RecordAttempt("resolve", "ok")
	RecordDecodeError("entry_update")
	RecordSessionMessage("in", "keep_alive")
	SessionOpened("server")
	SessionClosed("server")

	before := counterValue(t, connectorRaces.WithLabelValues("timeout"))
	RecordRace("timeout")
	if got := counterValue(t, connectorRaces.WithLabelValues("timeout")); got != before+1 {
		t.Fatalf("race counter got=%v want=%v", got, before+1)
	}
	logger.Info().Msg("registration idempotent and recording paths executed")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
