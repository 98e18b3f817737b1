package handlers_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirka-internal/vps-agent/api/internal/api/handlers"
	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

const streamTrace = "5f0c6b4e-8a53-4a0e-9d55-1f0b6f2b7c11"

func TestWebSocket_StreamsUntilFinal(t *testing.T) {
	hub := telemetry.NewHub()
	r := chi.NewRouter()
	r.Get("/ws/deployments/{trace_id}", handlers.NewWebSocketHandler(hub, nil).StreamDeploymentEvents)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments/" + streamTrace
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers(streamTrace) == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.DeploymentEvent{TraceID: streamTrace, State: domain.StateStaged, Message: "staged"})
	hub.Publish(domain.DeploymentEvent{TraceID: "other", State: domain.StateStaged})
	hub.Publish(domain.DeploymentEvent{TraceID: streamTrace, State: domain.StateActive, Final: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.DeploymentEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.StateStaged, ev.State)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.StateActive, ev.State)
	assert.True(t, ev.Final)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool { return hub.Subscribers(streamTrace) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_StreamsUntilFinal(t *testing.T) {
	hub := telemetry.NewHub()
	h := handlers.NewDeploymentHandler(&fakeDeployService{}, hub, nil)
	r := chi.NewRouter()
	r.Get("/deployments/{trace_id}/events", h.StreamEvents)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/deployments/" + streamTrace + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers(streamTrace) == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(domain.DeploymentEvent{TraceID: streamTrace, State: domain.StateRolledBack, Final: true})

	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, data, 2, "connected marker plus one event")

	var ev domain.DeploymentEvent
	require.NoError(t, json.Unmarshal([]byte(data[1]), &ev))
	assert.Equal(t, domain.StateRolledBack, ev.State)
}
