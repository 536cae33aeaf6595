package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/gominer/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func networkErr() error {
	return minerErrors.New(minerErrors.ErrorTypeNetwork, "dial", "connection refused")
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *Config
		maxAttempts int
		baseDelay   time.Duration
		maxDelay    time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, 5 * time.Second},
		{"network", NetworkConfig(), 5, 50 * time.Millisecond, 2 * time.Second},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond, 3 * time.Second},
		{"reconnect", ReconnectConfig(), 0, 500 * time.Millisecond, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.cfg.MaxAttempts, tt.maxAttempts)
			}
			if tt.cfg.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.cfg.BaseDelay, tt.baseDelay)
			}
			if tt.cfg.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.cfg.MaxDelay, tt.maxDelay)
			}
		})
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls == 1 {
			return networkErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return networkErr()
	})
	if err == nil {
		t.Fatal("Do() error = nil, want error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeInternal) {
		t.Errorf("Do() error type = %v, want internal wrapper", err)
	}
	if got := minerErrors.GetContext(err)["max_attempts"]; got != 2 {
		t.Errorf("max_attempts context = %v, want 2", got)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return minerErrors.New(minerErrors.ErrorTypeProtocol, "subscribe", "rejected")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeProtocol) {
		t.Errorf("Do() error = %v, want the original protocol error", err)
	}
}

func TestDo_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return errors.New("bad input")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_UnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(0), func(context.Context) error {
		calls++
		if calls == 4 {
			cancel()
		}
		return networkErr()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_OnRetry(t *testing.T) {
	cfg := fastConfig(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(context.Context) error { return networkErr() })

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", networkErr()
		}
		return "connected", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != "connected" {
		t.Errorf("DoWithResult() = %q, want connected", got)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Errorf("DoWithResult() = %d, %v, want 7, nil", got, err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{9, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := config.calculateDelay(tt.attempt); got != tt.expected {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestConfig_calculateDelay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 20; i++ {
		got := config.calculateDelay(0)
		if got < 100*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("calculateDelay(0) = %v, want within [100ms, 110ms]", got)
		}
	}
}
