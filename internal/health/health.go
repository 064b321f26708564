package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/modules/eventbus"
)

// StatusProvider reports pipeline state. *pipeline.Pipeline implements it.
type StatusProvider interface {
	Status() pipeline.Status
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string          `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64           `json:"uptime_seconds"`
	Phase           pipeline.Phase  `json:"phase"`
	StreamConnected bool            `json:"stream_connected"`
	MQTTEnabled     bool            `json:"mqtt_enabled"`
	MQTTConnected   bool            `json:"mqtt_connected"`
	Error           string          `json:"error,omitempty"`
	LastEvent       *eventbus.Event `json:"last_event,omitempty"`
	Pipeline        pipeline.Status `json:"pipeline"`
}

// Server serves /health, /readiness and /status.
type Server struct {
	provider StatusProvider
	// mqttConnected is nil when MQTT is disabled
	mqttConnected func() bool
	started       time.Time
	srv           *http.Server
	// events holds the most recent bus event, nil until WatchEvents
	events eventbus.Receiver
}

// NewServer creates a health server. mqttConnected may be nil.
func NewServer(provider StatusProvider, mqttConnected func() bool) *Server {
	return &Server{
		provider:      provider,
		mqttConnected: mqttConnected,
		started:       time.Now(),
	}
}

// WatchEvents subscribes to bus so Check can report the last event.
func (s *Server) WatchEvents(bus eventbus.Bus) error {
	rx, err := bus.SubscribeLatest(subscriberID)
	if err != nil {
		return fmt.Errorf("health: subscribe to events: %w", err)
	}
	s.events = rx
	return nil
}

const subscriberID = "health"

// Check returns the current health status
func (s *Server) Check() HealthStatus {
	st := s.provider.Status()

	h := HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		Phase:           st.Phase,
		StreamConnected: st.Phase == pipeline.PhaseRunning,
		MQTTEnabled:     s.mqttConnected != nil,
		Error:           st.Error,
		Pipeline:        st,
	}
	if h.MQTTEnabled {
		h.MQTTConnected = s.mqttConnected()
	}
	if s.events != nil {
		if ev, ok := s.events.TryReceive(); ok {
			h.LastEvent = &ev
		}
	}

	switch st.Phase {
	case pipeline.PhaseFailed, pipeline.PhaseStopped:
		h.Status = "unhealthy"
	case pipeline.PhaseHalted, pipeline.PhaseIdle:
		h.Status = "degraded"
	default:
		if st.ConsumerStalled || (h.MQTTEnabled && !h.MQTTConnected) {
			h.Status = "degraded"
		}
	}
	return h
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	mux.HandleFunc("/status", s.statusHandler)
	return mux
}

// healthHandler returns the health report with 200 while the process is
// alive, whatever the report says
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Check())
}

// readinessHandler returns 503 once the pipeline cannot produce results
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Check()

	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// statusHandler returns the raw pipeline status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: failed to write response", "error", err)
	}
}

// Start serves on port in a background goroutine.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("health: starting server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
