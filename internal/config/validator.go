package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills zero values
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Source
	if cfg.Source.File == "" && cfg.Source.Camera < 0 {
		return fmt.Errorf("source.camera must be >= 0")
	}
	if cfg.Source.DisplayMaxEdge < 0 || cfg.Source.InferenceMaxEdge < 0 {
		return fmt.Errorf("source max edges must be >= 0")
	}
	if cfg.Source.DisplayMaxEdge > 0 && cfg.Source.InferenceMaxEdge > cfg.Source.DisplayMaxEdge {
		return fmt.Errorf("source.inference_max_edge (%d) must not exceed display_max_edge (%d)",
			cfg.Source.InferenceMaxEdge, cfg.Source.DisplayMaxEdge)
	}

	// Pose
	if !cfg.Pose.Mode.Valid() {
		return fmt.Errorf("pose.mode is invalid")
	}
	if cfg.Pose.Confidence <= 0 || cfg.Pose.Confidence >= 1 {
		return fmt.Errorf("pose.confidence must be in (0,1), got %v", cfg.Pose.Confidence)
	}
	if cfg.Pose.Worker.Command == "" {
		return fmt.Errorf("pose.worker.command is required")
	}

	// Exercise
	if !cfg.Exercise.Type.Valid() {
		return fmt.Errorf("exercise.type is invalid")
	}

	// Snapshot
	if cfg.Snapshot.Enabled {
		switch cfg.Snapshot.Format {
		case "":
			cfg.Snapshot.Format = "jpeg"
		case "jpeg", "jpg", "png":
		default:
			return fmt.Errorf("snapshot.format must be jpeg or png, got %q", cfg.Snapshot.Format)
		}
		if cfg.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir is required when snapshots are enabled")
		}
		if cfg.Snapshot.Quality <= 0 || cfg.Snapshot.Quality > 100 {
			cfg.Snapshot.Quality = 90
		}
	}

	// Health
	if cfg.Health.Enabled && (cfg.Health.Port <= 0 || cfg.Health.Port > 65535) {
		return fmt.Errorf("health.port must be in 1..65535, got %d", cfg.Health.Port)
	}

	// MQTT
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = cfg.InstanceID
		}
		// Set default topics if not provided
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("goodgym/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("goodgym/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("goodgym/status/%s", cfg.InstanceID)
		}
	}

	return nil
}
