package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

func TestHub_RoutesByTraceID(t *testing.T) {
	hub := telemetry.NewHub()
	a := hub.Subscribe("trace-a")
	b := hub.Subscribe("trace-b")

	hub.Publish(domain.DeploymentEvent{TraceID: "trace-a", State: domain.StateStaged})

	require.Len(t, a, 1)
	assert.Equal(t, domain.StateStaged, (<-a).State)
	assert.Len(t, b, 0)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := telemetry.NewHub()
	ch := hub.Subscribe("t")

	for i := 0; i < 250; i++ {
		hub.Publish(domain.DeploymentEvent{TraceID: "t"})
	}
	assert.Len(t, ch, 100)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := telemetry.NewHub()
	first := hub.Subscribe("t")
	second := hub.Subscribe("t")
	assert.Equal(t, 2, hub.Subscribers("t"))

	hub.Unsubscribe("t", first)
	_, open := <-first
	assert.False(t, open, "unsubscribed channel is closed")
	assert.Equal(t, 1, hub.Subscribers("t"))

	hub.Unsubscribe("t", second)
	assert.Equal(t, 0, hub.Subscribers("t"))

	// Publishing without subscribers is a no-op.
	hub.Publish(domain.DeploymentEvent{TraceID: "t"})
}
