package agent

import (
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:    time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0,
	}

	t.Run("doubles per attempt", func(t *testing.T) {
		want := []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
		}
		for i, w := range want {
			if got := policy.Delay(i+1, nil); got != w {
				t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
			}
		}
	})

	t.Run("caps at max delay", func(t *testing.T) {
		if got := policy.Delay(7, nil); got != 60*time.Second {
			t.Errorf("Delay(7) = %v, want 60s cap", got)
		}
		if got := policy.Delay(50, nil); got != 60*time.Second {
			t.Errorf("Delay(50) = %v, want 60s cap", got)
		}
	})

	t.Run("jitter stays in band", func(t *testing.T) {
		jittered := RetryPolicy{
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.5,
		}
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 200; i++ {
			d := jittered.Delay(2, rng)
			lo, hi := time.Second, 3*time.Second
			if d < lo || d > hi {
				t.Fatalf("jittered Delay(2) = %v, want within [%v, %v]", d, lo, hi)
			}
		}
	})

	t.Run("attempt below one clamps", func(t *testing.T) {
		if got := policy.Delay(0, nil); got != time.Second {
			t.Errorf("Delay(0) = %v, want base delay", got)
		}
	})

	t.Run("zero policy uses defaults", func(t *testing.T) {
		var p RetryPolicy
		if got := p.Delay(1, nil); got != DefaultBaseDelay {
			t.Errorf("Delay(1) on zero policy = %v, want %v", got, DefaultBaseDelay)
		}
	})
}
