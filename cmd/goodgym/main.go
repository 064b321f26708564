package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xixigan/Good-GYM/internal/config"
	"github.com/xixigan/Good-GYM/internal/control"
	"github.com/xixigan/Good-GYM/internal/emitter"
	"github.com/xixigan/Good-GYM/internal/health"
	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/internal/snapshot"
	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/eventbus"
	"github.com/xixigan/Good-GYM/modules/pose"
)

const defaultConfigPath = "config/goodgym.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", "json", "Log format: json or text")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}

	slog.Info("starting goodgym service",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"source", cfg.SourceSpec().String(),
		"exercise", cfg.Exercise.Type.String(),
		"model_mode", cfg.Pose.Mode.String(),
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := newService(ctx, cfg, cancel)
	if err != nil {
		slog.Error("failed to create goodgym service", "error", err)
		os.Exit(1)
	}

	// Run pipeline in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.pipeline.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = waitRun(errChan, cfg.ShutdownTimeout())
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("pipeline error", "error", runErr)
		} else {
			slog.Info("pipeline stopped (via MQTT shutdown command)")
		}
		cancel()
	}

	// Graceful shutdown
	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("goodgym service stopped successfully")
}

func waitRun(errChan <-chan error, timeout time.Duration) error {
	select {
	case err := <-errChan:
		return err
	case <-time.After(timeout):
		return errors.New("pipeline did not stop within shutdown timeout")
	}
}

// service holds the running components around the pipeline.
type service struct {
	pipeline *pipeline.Pipeline
	bus      eventbus.Bus
	emitter  *emitter.MQTTEmitter
	control  *control.Handler
	health   *health.Server

	wg sync.WaitGroup
}

func newService(ctx context.Context, cfg *config.Config, stop context.CancelFunc) (*service, error) {
	adapter, err := pose.NewAdapter(ctx, pose.WorkerFactory(cfg.WorkerConfig()), pose.Options{
		Mode:            cfg.Pose.Mode,
		Confidence:      cfg.Pose.Confidence,
		MaxEdge:         cfg.Source.InferenceMaxEdge,
		SkeletonVisible: cfg.Display.SkeletonVisible,
	})
	if err != nil {
		return nil, err
	}

	var consumer pipeline.Consumer = logConsumer()
	if cfg.Snapshot.Enabled {
		saver, err := snapshot.NewSaver(cfg.Snapshot.Dir, cfg.Snapshot.Format, cfg.Snapshot.Quality)
		if err != nil {
			adapter.Close()
			return nil, err
		}
		consumer = snapshot.Wrap(consumer, saver)
		slog.Info("snapshot: saving milestones", "dir", cfg.Snapshot.Dir, "format", cfg.Snapshot.Format)
	}

	svc := &service{bus: eventbus.New()}
	svc.pipeline, err = pipeline.New(pipeline.Config{
		Source:        cfg.SourceSpec(),
		SourceOptions: cfg.SourceOptions(),
		Mirror:        cfg.Display.Mirror,
	}, pipeline.Deps{
		Adapter:  adapter,
		Counter:  counter.New(cfg.Exercise.Type, counter.Options{MilestoneEvery: cfg.Exercise.MilestoneEvery}),
		Bus:      svc.bus,
		Consumer: consumer,
	})
	if err != nil {
		adapter.Close()
		return nil, err
	}

	if cfg.MQTT.Enabled {
		svc.emitter = emitter.NewMQTTEmitter(cfg.MQTT)
		if err := svc.emitter.Connect(ctx); err != nil {
			adapter.Close()
			return nil, err
		}

		// Subscribed before Run so startup events such as source_failed
		// reach the broker.
		if err := svc.emitter.Subscribe(svc.bus); err != nil {
			adapter.Close()
			svc.emitter.Disconnect()
			return nil, err
		}
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			status := func() any { return svc.pipeline.Status() }
			if err := svc.emitter.Run(ctx, status); err != nil {
				slog.Error("emitter: stopped", "error", err)
			}
		}()

		svc.control = control.NewHandler(cfg.MQTT, svc.emitter.Client, svc.pipeline)
		svc.control.OnShutdown = func() error {
			slog.Info("control: shutdown requested")
			stop()
			return nil
		}
		if err := svc.control.Start(ctx); err != nil {
			adapter.Close()
			svc.emitter.Disconnect()
			return nil, err
		}
	}

	if cfg.Health.Enabled {
		var mqttConnected func() bool
		if svc.emitter != nil {
			mqttConnected = svc.emitter.IsConnected
		}
		svc.health = health.NewServer(svc.pipeline, mqttConnected)
		if err := svc.health.WatchEvents(svc.bus); err != nil {
			slog.Warn("health: last event unavailable", "error", err)
		}
		svc.health.Start(cfg.Health.Port)
	}

	return svc, nil
}

// shutdown stops the outer surfaces. The pipeline releases its source and
// model when Run returns.
func (s *service) shutdown(ctx context.Context) error {
	var errs []error
	if s.control != nil {
		errs = append(errs, s.control.Stop())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("emitter did not stop in time"))
	}

	if s.emitter != nil {
		if err := s.emitter.PublishStatus(s.pipeline.Status()); err != nil {
			slog.Warn("emitter: failed to publish final status", "error", err)
		}
		stats := s.emitter.Stats()
		slog.Info("emitter: final stats", "published", stats.Published, "errors", stats.Errors)
		errs = append(errs, s.emitter.Disconnect())
	}
	if s.health != nil {
		errs = append(errs, s.health.Shutdown(ctx))
	}
	s.bus.Close()
	return errors.Join(errs...)
}

func logConsumer() pipeline.Consumer {
	return pipeline.ConsumerFuncs{
		FrameResult: func(r pipeline.FrameResult) {
			if r.Incremented {
				slog.Info("rep counted",
					"exercise", r.Exercise.String(),
					"count", r.Count,
					"milestone", r.Milestone,
					"trace_id", r.TraceID,
				)
			}
			slog.Debug("frame result",
				"seq", r.Seq,
				"stage", r.Stage.String(),
				"angle", r.Angle,
				"has_angle", r.HasAngle,
				"fps", r.FPS,
			)
		},
		StreamEnded: func() {
			slog.Info("stream ended, waiting for a new source")
		},
		PipelineError: func(err error) {
			slog.Error("pipeline error", "error", err)
		},
	}
}
