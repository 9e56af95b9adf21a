package utils

import "testing"

func TestEffectiveDailyCap(t *testing.T) {
	cases := []struct {
		name          string
		dailyLimit    int
		warmupEnabled bool
		warmupDay     int
		want          int
	}{
		{"warmup off uses limit", 500, false, 30, 500},
		{"warmup day one", 100, true, 1, 10},
		{"warmup day two", 100, true, 2, 20},
		{"warmup day five", 100, true, 5, 50},
		{"ramp caps at limit", 100, true, 30, 100},
		{"ramp exactly at limit", 100, true, 10, 100},
		{"zero day clamps to one", 100, true, 0, 10},
		{"negative day clamps to one", 100, true, -3, 10},
		{"limit below baseline", 5, true, 1, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveDailyCap(tc.dailyLimit, tc.warmupEnabled, tc.warmupDay)
			if got != tc.want {
				t.Errorf("EffectiveDailyCap(%d, %v, %d) = %d, want %d",
					tc.dailyLimit, tc.warmupEnabled, tc.warmupDay, got, tc.want)
			}
		})
	}
}

func TestEvaluateSendPolicy(t *testing.T) {
	t.Run("inactive account", func(t *testing.T) {
		d := EvaluateSendPolicy(500, 0, false, 1, false)
		if d.Allowed {
			t.Error("expected deny for inactive account")
		}
		if d.Reason != "account not active" {
			t.Errorf("unexpected reason %q", d.Reason)
		}
	})

	t.Run("under limit", func(t *testing.T) {
		d := EvaluateSendPolicy(500, 499, false, 1, true)
		if !d.Allowed {
			t.Errorf("expected allow, got reason %q", d.Reason)
		}
		if d.Remaining != 1 {
			t.Errorf("remaining = %d, want 1", d.Remaining)
		}
	})

	t.Run("at limit", func(t *testing.T) {
		d := EvaluateSendPolicy(500, 500, false, 1, true)
		if d.Allowed {
			t.Error("expected deny at limit")
		}
		if d.Reason != "daily limit reached" {
			t.Errorf("unexpected reason %q", d.Reason)
		}
	})

	t.Run("warmup cap binds before limit", func(t *testing.T) {
		d := EvaluateSendPolicy(500, 10, true, 1, true)
		if d.Allowed {
			t.Error("expected deny: warmup day one caps at 10")
		}
	})

	t.Run("over-sent count does not go negative", func(t *testing.T) {
		d := EvaluateSendPolicy(100, 150, false, 1, true)
		if d.Allowed || d.Remaining != 0 {
			t.Errorf("expected deny with 0 remaining, got %+v", d)
		}
	})
}
