package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("user_id", "456"),
		attribute.String("request_id", "789"),
		attribute.String("outcome", "ok"),
	)
	assert.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("provider"), attrs[0].Key)
	assert.Equal(t, attribute.Key("outcome"), attrs[1].Key)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDispatch(context.Background(), "ok")
		m.RecordFanout(context.Background(), true)
		m.RecordCompensation(context.Background(), "dispatch_failed")
	})
	assert.NotPanics(t, func() {
		NewNoop().RecordLedgerMutation(context.Background(), "spend")
	})
}
