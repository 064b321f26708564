package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/internal/snapshot"
	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

const version = "v0.1.0"

func main() {
	// Parse command-line flags
	file := flag.String("file", "", "Video file to count (camera is used when empty)")
	camera := flag.Int("camera", 0, "Camera index (/dev/video<N>)")
	exerciseName := flag.String("exercise", "squat", "Exercise: "+exerciseNames())
	modeName := flag.String("mode", "balanced", "Model mode: lightweight, balanced, performance")
	worker := flag.String("worker", "goodgym-pose-worker", "Pose worker executable")
	modelsDir := flag.String("models", "", "Directory with ONNX weights (worker default when empty)")
	device := flag.String("device", "cpu", "Inference device: cpu, cuda")
	rotate := flag.Bool("rotate", false, "Rotate frames 90° clockwise")
	mirror := flag.Bool("mirror", false, "Mirror the display frame")
	outputDir := flag.String("output", "", "Directory for milestone snapshots (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("repcount %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelWarn
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ex, err := exercise.Parse(*exerciseName)
	if err != nil {
		log.Fatalf("Invalid exercise: %v", err)
	}
	mode, err := pose.ParseMode(*modeName)
	if err != nil {
		log.Fatalf("Invalid model mode: %v", err)
	}

	spec := framesource.Spec{Camera: *camera, File: *file}

	fmt.Printf("\n")
	fmt.Printf("Good-GYM repetition counter %s\n", version)
	fmt.Printf("  Source:    %s\n", spec)
	fmt.Printf("  Exercise:  %s\n", ex)
	fmt.Printf("  Model:     %s\n", mode)
	fmt.Printf("\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\nInterrupted, stopping...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	adapter, err := pose.NewAdapter(ctx, pose.WorkerFactory(pose.WorkerConfig{
		ID:        "repcount",
		Command:   *worker,
		Device:    *device,
		ModelsDir: *modelsDir,
	}), pose.Options{Mode: mode})
	if err != nil {
		log.Fatalf("Failed to load pose model: %v", err)
	}

	var pipelineErr error
	var consumer pipeline.Consumer = pipeline.ConsumerFuncs{
		FrameResult: func(r pipeline.FrameResult) {
			if !r.Incremented {
				return
			}
			mark := ""
			if r.Milestone {
				mark = "  *"
			}
			fmt.Printf("  rep %4d  (frame %d)%s\n", r.Count, r.Seq, mark)
		},
		StreamEnded: cancel,
		PipelineError: func(err error) {
			pipelineErr = err
			cancel()
		},
	}
	var saver *snapshot.Saver
	if *outputDir != "" {
		saver, err = snapshot.NewSaver(*outputDir, "jpeg", 90)
		if err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		consumer = snapshot.Wrap(consumer, saver)
	}

	p, err := pipeline.New(pipeline.Config{
		Source:        spec,
		SourceOptions: framesource.Options{Rotate: *rotate},
		Mirror:        *mirror,
	}, pipeline.Deps{
		Adapter:  adapter,
		Counter:  counter.New(ex, counter.Options{}),
		Consumer: consumer,
	})
	if err != nil {
		adapter.Close()
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	start := time.Now()
	runErr := p.Run(ctx)
	elapsed := time.Since(start)

	st := p.Status()
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Summary\n")
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Exercise:           %s\n", st.Exercise)
	fmt.Printf("│ Repetitions:        %6d\n", st.Count)
	fmt.Printf("│ Frames:             %6d\n", st.Results)
	fmt.Printf("│ Empty Poses:        %6d\n", st.EmptyPoses)
	fmt.Printf("│ Inference Errors:   %6d\n", st.InferenceErrors)
	fmt.Printf("│ Duration:           %6.1f seconds\n", elapsed.Seconds())
	if saver != nil {
		saved, _ := saver.Stats()
		fmt.Printf("│ Snapshots:          %6d\n", saved)
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")

	if runErr == nil {
		runErr = pipelineErr
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func exerciseNames() string {
	names := make([]string, 0, len(exercise.All()))
	for _, t := range exercise.All() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}
