package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// Config represents the complete Good-GYM configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig   `yaml:"source"`
	Display          DisplayConfig  `yaml:"display"`
	Pose             PoseConfig     `yaml:"pose"`
	Exercise         ExerciseConfig `yaml:"exercise"`
	Snapshot         SnapshotConfig `yaml:"snapshot"`
	Health           HealthConfig   `yaml:"health"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
}

// SourceConfig selects and tunes the frame source
type SourceConfig struct {
	Camera           int    `yaml:"camera"` // /dev/video<N>, used when file is empty
	File             string `yaml:"file"`
	Loop             bool   `yaml:"loop"`
	Rotate           bool   `yaml:"rotate"` // 90° clockwise, for phones and portrait webcams
	DisplayMaxEdge   int    `yaml:"display_max_edge"`
	InferenceMaxEdge int    `yaml:"inference_max_edge"`
	OpenRetries      int    `yaml:"open_retries"`
	ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
}

// DisplayConfig contains presentation settings
type DisplayConfig struct {
	Mirror          bool `yaml:"mirror"`
	SkeletonVisible bool `yaml:"skeleton_visible"`
}

// PoseConfig contains pose model settings
type PoseConfig struct {
	Mode       pose.ModelMode `yaml:"mode"` // lightweight, balanced, performance
	Confidence float64        `yaml:"confidence"`
	Worker     WorkerConfig   `yaml:"worker"`
}

// WorkerConfig describes the pose worker process
type WorkerConfig struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	Device           string   `yaml:"device"`  // cpu, cuda
	Backend          string   `yaml:"backend"` // onnxruntime, opencv, openvino
	ModelsDir        string   `yaml:"models_dir"`
	ReadyTimeoutS    int      `yaml:"ready_timeout_s"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

// ExerciseConfig contains counting settings
type ExerciseConfig struct {
	Type           exercise.Type `yaml:"type"`
	MilestoneEvery int           `yaml:"milestone_every"`
}

// SnapshotConfig controls milestone snapshots
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Format  string `yaml:"format"` // jpeg, png
	Quality int    `yaml:"quality"`
}

// HealthConfig controls the HTTP status endpoint
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"` // events go to <events>/<kind>
	Status  string `yaml:"status"` // retained
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		InstanceID:       "goodgym",
		ShutdownTimeoutS: 5,
		Source: SourceConfig{
			Rotate:           true,
			DisplayMaxEdge:   framesource.DefaultDisplayMaxEdge,
			InferenceMaxEdge: framesource.DefaultInferenceMaxEdge,
			OpenRetries:      3,
			ReadTimeoutMS:    100,
		},
		Display: DisplayConfig{
			Mirror:          true,
			SkeletonVisible: true,
		},
		Pose: PoseConfig{
			Mode:       pose.ModeBalanced,
			Confidence: pose.DefaultConfidence,
			Worker: WorkerConfig{
				Command:          "goodgym-pose-worker",
				Device:           "cpu",
				Backend:          "onnxruntime",
				ReadyTimeoutS:    60,
				RequestTimeoutMS: 2000,
			},
		},
		Exercise: ExerciseConfig{
			Type:           exercise.OverheadPress,
			MilestoneEvery: 10,
		},
		Snapshot: SnapshotConfig{
			Dir:     "snapshots",
			Format:  "jpeg",
			Quality: 90,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8080,
		},
		MQTT: MQTTConfig{
			QoS: 1,
		},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SourceSpec returns the configured source selection
func (c *Config) SourceSpec() framesource.Spec {
	return framesource.Spec{Camera: c.Source.Camera, File: c.Source.File, Loop: c.Source.Loop}
}

// SourceOptions returns frame derivation options
func (c *Config) SourceOptions() framesource.Options {
	return framesource.Options{
		DisplayMaxEdge:   c.Source.DisplayMaxEdge,
		InferenceMaxEdge: c.Source.InferenceMaxEdge,
		Rotate:           c.Source.Rotate,
		ReadTimeout:      time.Duration(c.Source.ReadTimeoutMS) * time.Millisecond,
		OpenRetries:      c.Source.OpenRetries,
	}
}

// WorkerConfig returns the pose worker process settings
func (c *Config) WorkerConfig() pose.WorkerConfig {
	w := c.Pose.Worker
	return pose.WorkerConfig{
		ID:             c.InstanceID + "-pose",
		Command:        w.Command,
		Args:           w.Args,
		Device:         w.Device,
		Backend:        w.Backend,
		ModelsDir:      w.ModelsDir,
		ReadyTimeout:   time.Duration(w.ReadyTimeoutS) * time.Second,
		RequestTimeout: time.Duration(w.RequestTimeoutMS) * time.Millisecond,
	}
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
