package gstpipe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		debug string
		want  ErrorCategory
	}{
		{"missing file", "Resource not found.", "gstfilesrc.c: No such file \"/tmp/x.mp4\"", ErrCategoryDevice},
		{"busy camera", "Could not read from resource.", "Device '/dev/video0' is busy", ErrCategoryDevice},
		{"missing device", "Cannot identify device '/dev/video9'.", "", ErrCategoryDevice},
		{"decode failure", "Could not decode stream.", "avdec_h264: corrupt slice", ErrCategoryDecode},
		{"negotiation", "Internal data stream error.", "streaming stopped, reason not-negotiated (not negotiated)", ErrCategoryDecode},
		{"unknown", "Something odd", "", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMessage(tt.msg, tt.debug); got != tt.want {
				t.Errorf("ClassifyMessage() = %v, want %v", got, tt.want)
			}
		})
	}

	if ErrCategoryDecode.Fatal() {
		t.Error("decode errors must not be fatal")
	}
	if !ErrCategoryDevice.Fatal() || !ErrCategoryUnknown.Fatal() {
		t.Error("device and unknown errors must be fatal")
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{RetryDelay: 250 * time.Millisecond, MaxRetryDelay: time.Second}

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := CalculateBackoff(i+1, cfg); got != w {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRunWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
	busy := errors.New("device busy")

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := RunWithRetry(context.Background(), func(context.Context) (bool, error) {
			calls++
			if calls < 3 {
				return true, busy
			}
			return false, nil
		}, cfg)
		if err != nil {
			t.Fatalf("RunWithRetry() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := RunWithRetry(context.Background(), func(context.Context) (bool, error) {
			calls++
			return true, busy
		}, cfg)
		if !errors.Is(err, busy) {
			t.Fatalf("RunWithRetry() error = %v, want wrapping %v", err, busy)
		}
		if calls != 4 {
			t.Errorf("calls = %d, want 4", calls)
		}
	})

	t.Run("non retryable stops at once", func(t *testing.T) {
		calls := 0
		missing := errors.New("no such file")
		err := RunWithRetry(context.Background(), func(context.Context) (bool, error) {
			calls++
			return false, missing
		}, cfg)
		if !errors.Is(err, missing) || calls != 1 {
			t.Errorf("RunWithRetry() = %v after %d calls", err, calls)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RunWithRetry(ctx, func(context.Context) (bool, error) {
			return true, busy
		}, RetryConfig{MaxRetries: 5, RetryDelay: time.Hour})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithRetry() error = %v, want context.Canceled", err)
		}
	})
}
