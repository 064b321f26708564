package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/modules/eventbus"
)

type staticStatus pipeline.Status

func (s staticStatus) Status() pipeline.Status { return pipeline.Status(s) }

func TestCheck(t *testing.T) {
	connected := func() bool { return true }
	disconnected := func() bool { return false }

	tests := []struct {
		name  string
		phase pipeline.Phase
		mqtt  func() bool
		want  string
	}{
		{"running", pipeline.PhaseRunning, nil, "healthy"},
		{"running with mqtt", pipeline.PhaseRunning, connected, "healthy"},
		{"mqtt down", pipeline.PhaseRunning, disconnected, "degraded"},
		{"file ended", pipeline.PhaseEnded, nil, "healthy"},
		{"consumer stalled", pipeline.PhaseRunning, nil, "degraded"},
		{"source halted", pipeline.PhaseHalted, connected, "degraded"},
		{"not started", pipeline.PhaseIdle, nil, "degraded"},
		{"model failed", pipeline.PhaseFailed, connected, "unhealthy"},
		{"stopped", pipeline.PhaseStopped, nil, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(staticStatus{Phase: tt.phase, ConsumerStalled: tt.name == "consumer stalled"}, tt.mqtt)
			h := s.Check()
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, tt.mqtt != nil, h.MQTTEnabled)
			assert.Equal(t, tt.phase == pipeline.PhaseRunning, h.StreamConnected)
		})
	}
}

func TestHandlers(t *testing.T) {
	st := staticStatus{Phase: pipeline.PhaseFailed, Error: "rollback failed", Count: 7, Exercise: "squat"}
	srv := httptest.NewServer(NewServer(st, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var report map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the report is served even when unhealthy")
	assert.Equal(t, "unhealthy", report["status"])
	assert.Equal(t, "failed", report["phase"])
	require.IsType(t, map[string]interface{}{}, report["pipeline"])
	assert.Equal(t, float64(7), report["pipeline"].(map[string]interface{})["count"])

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "unhealthy", h["status"])
	assert.Equal(t, "failed", h["phase"])
	assert.Equal(t, "rollback failed", h["error"])

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, float64(7), status["count"])
	assert.Equal(t, "squat", status["exercise"])
}

func TestCheckReportsLastEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	s := NewServer(staticStatus{Phase: pipeline.PhaseRunning}, nil)
	assert.Nil(t, s.Check().LastEvent)

	require.NoError(t, s.WatchEvents(bus))
	assert.Nil(t, s.Check().LastEvent)

	bus.Publish(eventbus.Event{Kind: eventbus.KindRepCounted, Count: 1})
	bus.Publish(eventbus.Event{Kind: eventbus.KindRepCounted, Count: 2})

	h := s.Check()
	require.NotNil(t, h.LastEvent)
	assert.Equal(t, 2, h.LastEvent.Count)
	// Reading does not consume the event.
	assert.Equal(t, 2, s.Check().LastEvent.Count)

	assert.ErrorIs(t, NewServer(staticStatus{}, nil).WatchEvents(bus), eventbus.ErrSubscriberExists)
}
