package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func TestNew_OpensAfterThreshold(t *testing.T) {
	cb := New("test", Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2}, zerolog.Nop())
	fail := func() (interface{}, error) { return nil, errors.New("down") }

	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
}

func TestNew_SuccessKeepsClosed(t *testing.T) {
	cb := New("test", DefaultConfig(), zerolog.Nop())
	v, err := cb.Execute(func() (interface{}, error) { return 42, nil })
	if err != nil || v.(int) != 42 {
		t.Fatalf("unexpected result %v %v", v, err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}
