package internal

import (
	"testing"
	"time"

	"github.com/othelnet/othelnet/internal/core"
)

func throttleConfig(max, windowSeconds int) *core.Config {
	cfg := &core.Config{}
	cfg.Throttle.MaxConnectionsPerIP = max
	cfg.Throttle.WindowSeconds = windowSeconds
	return cfg
}

func TestConnectionThrottle(t *testing.T) {
	t.Run("allows up to the cap", func(t *testing.T) {
		throttle := newConnectionThrottle(throttleConfig(3, 60))

		for i := 0; i < 3; i++ {
			if !throttle.allow("10.0.0.1") {
				t.Fatalf("connection %d rejected below the cap", i+1)
			}
		}
		if throttle.allow("10.0.0.1") {
			t.Error("connection above the cap was allowed")
		}
	})

	t.Run("addresses are counted independently", func(t *testing.T) {
		throttle := newConnectionThrottle(throttleConfig(1, 60))

		if !throttle.allow("10.0.0.1") {
			t.Fatal("first connection rejected")
		}
		if !throttle.allow("10.0.0.2") {
			t.Error("different address rejected")
		}
	})

	t.Run("zero cap disables the throttle", func(t *testing.T) {
		throttle := newConnectionThrottle(throttleConfig(0, 60))

		for i := 0; i < 100; i++ {
			if !throttle.allow("10.0.0.1") {
				t.Fatal("disabled throttle rejected a connection")
			}
		}
	})

	t.Run("attempts age out of the window", func(t *testing.T) {
		throttle := newConnectionThrottle(throttleConfig(1, 60))
		// Shrink the window after the fact so the test doesn't sleep for
		// a full production-sized interval.
		throttle.attempts.Set("10.0.0.1", 1, 50*time.Millisecond)

		if throttle.allow("10.0.0.1") {
			t.Fatal("connection above the cap was allowed")
		}

		time.Sleep(80 * time.Millisecond)
		if !throttle.allow("10.0.0.1") {
			t.Error("connection rejected after the window expired")
		}
	})
}
