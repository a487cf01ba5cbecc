package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOperationCounters(t *testing.T) {
	before := testutil.ToFloat64(ServiceOperationCounter.WithLabelValues("notification", "error", "nats"))

	OperationFailed("notification", "nats")
	OperationFailed("notification", "nats")

	after := testutil.ToFloat64(ServiceOperationCounter.WithLabelValues("notification", "error", "nats"))
	assert.Equal(t, before+2, after)
}

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(promSessionTotal)

	SessionStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(promSessionTotal))

	SessionStopped()
	assert.Equal(t, before, testutil.ToFloat64(promSessionTotal))
}

func TestHandler(t *testing.T) {
	PLIReceived()

	ts := httptest.NewServer(Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	assert.Nil(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(t, err)
	assert.True(t, strings.Contains(string(body), "livelook_rtc_pli_total"))
}
