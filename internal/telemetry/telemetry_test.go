package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		tel.RecordTransportRequest("https", "success", 0)
		tel.IncrementInFlight()
		tel.DecrementInFlight()
		tel.RecordFileOutcome("completed", 0)
		tel.IncrementActiveFiles()
		tel.DecrementActiveFiles()
		tel.RecordRetry("timeout")
		tel.RecordVerifyMismatch("md5")
		tel.RecordAggregate(AggregateSnapshot{})
	})
}

func TestHandler_DisabledReturnsNotFound(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	tel.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestInstrumentFileTask_NilTelemetryRunsFn(t *testing.T) {
	var tel *Telemetry

	var ran bool

	err := tel.InstrumentFileTask(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestInstrumentTransportRequest_PropagatesError(t *testing.T) {
	var tel *Telemetry

	wantErr := errors.New("boom")

	err := tel.InstrumentTransportRequest(context.Background(), "https", func(context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestInstrumentVerify_PropagatesError(t *testing.T) {
	var tel *Telemetry

	wantErr := errors.New("mismatch")

	err := tel.InstrumentVerify(context.Background(), "sha256", func(context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestInstrumentOperation_NilTracerRunsFn(t *testing.T) {
	tel := &Telemetry{}

	var ran bool

	err := tel.InstrumentOperation(context.Background(), "op", "component", func(context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}
