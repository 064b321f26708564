package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xixigan/Good-GYM/internal/config"
	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Controls is the pipeline surface driven by commands. *pipeline.Pipeline
// implements it.
type Controls interface {
	SetExerciseType(exercise.Type) (counter.State, error)
	SetSource(context.Context, framesource.Spec) error
	SetRotation(bool)
	SetMirror(bool)
	SetSkeletonVisible(bool)
	SetModelMode(context.Context, pose.ModelMode) error
	ResetCounter() counter.State
	IncrementCounter() counter.State
	DecrementCounter() counter.State
	ConfirmRecord() (counter.State, error)
	Status() pipeline.Status
}

var _ Controls = (*pipeline.Pipeline)(nil)

// switchTimeout bounds source and model switches started from the control
// plane. Model loading dominates.
const switchTimeout = 90 * time.Second

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	controls Controls
	commands chan Command
	done     chan struct{}

	// OnShutdown is called by the shutdown command, if set
	OnShutdown func() error

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, controls Controls) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		controls: controls,
		commands: make(chan Command, 10),
		done:     make(chan struct{}),
	}
}

// ResponseTopic is where command responses are published.
func (h *Handler) ResponseTopic() string {
	return h.cfg.Topics.Control + "/response"
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the command in progress.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.done)
		h.wg.Wait()
		slog.Info("control: handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case <-h.done:
		slog.Debug("control: handler stopped, ignoring command", "command", cmd.Command)
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands runs queued commands one at a time.
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.HandleCommand(ctx, cmd))
		}
	}
}

// HandleCommand executes cmd and builds its response
func (h *Handler) HandleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "get_status":
		resp.Data = map[string]interface{}{"status": h.controls.Status()}

	case "set_exercise":
		name, err := stringParam(cmd.Params, "exercise")
		if err != nil {
			return fail(err)
		}
		t, err := exercise.Parse(name)
		if err != nil {
			return fail(err)
		}
		st, err := h.controls.SetExerciseType(t)
		if err != nil {
			return fail(err)
		}
		resp.Data = counterData(st)

	case "set_source":
		spec, err := sourceParam(cmd.Params)
		if err != nil {
			return fail(err)
		}
		sctx, cancel := context.WithTimeout(ctx, switchTimeout)
		defer cancel()
		if err := h.controls.SetSource(sctx, spec); err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"source": spec.String()}

	case "set_rotation", "set_mirror", "set_skeleton_visible":
		enabled, err := boolParam(cmd.Params, "enabled")
		if err != nil {
			return fail(err)
		}
		switch cmd.Command {
		case "set_rotation":
			h.controls.SetRotation(enabled)
		case "set_mirror":
			h.controls.SetMirror(enabled)
		default:
			h.controls.SetSkeletonVisible(enabled)
		}
		resp.Data = map[string]interface{}{"enabled": enabled}

	case "set_model_mode":
		name, err := stringParam(cmd.Params, "mode")
		if err != nil {
			return fail(err)
		}
		mode, err := pose.ParseMode(name)
		if err != nil {
			return fail(err)
		}
		sctx, cancel := context.WithTimeout(ctx, switchTimeout)
		defer cancel()
		if err := h.controls.SetModelMode(sctx, mode); err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"mode": mode.String()}

	case "reset_counter":
		resp.Data = counterData(h.controls.ResetCounter())

	case "increment_counter":
		resp.Data = counterData(h.controls.IncrementCounter())

	case "decrement_counter":
		resp.Data = counterData(h.controls.DecrementCounter())

	case "confirm_record":
		st, err := h.controls.ConfirmRecord()
		if err != nil {
			return fail(err)
		}
		resp.Data = counterData(st)

	case "shutdown":
		if h.OnShutdown == nil {
			return fail(fmt.Errorf("shutdown not available"))
		}
		if err := h.OnShutdown(); err != nil {
			return fail(err)
		}
		resp.Status = "shutting_down"

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// sendResponse publishes a response to the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func counterData(st counter.State) map[string]interface{} {
	return map[string]interface{}{
		"exercise": st.Exercise.String(),
		"count":    st.Count,
		"stage":    st.Stage.String(),
	}
}
