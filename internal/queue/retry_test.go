package queue

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayDoubles(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour, MaxRetries: 5}

	expected := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for attempt, want := range expected {
		got := p.Delay(attempt + 1)
		if got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt+1, got, want)
		}
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour, MaxRetries: 20}

	if got := p.Delay(10); got != time.Hour {
		t.Errorf("Delay(10) = %v, want cap %v", got, time.Hour)
	}
	if got := p.Delay(100); got != time.Hour {
		t.Errorf("Delay(100) = %v, want cap %v", got, time.Hour)
	}
}

func TestRetryPolicyDelayMonotonic(t *testing.T) {
	p := DefaultRetryPolicy()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v is shorter than Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		prev = d
	}
}

func TestRetryPolicyDelayClampsAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.Delay(0); got != p.BaseDelay {
		t.Errorf("Delay(0) = %v, want %v", got, p.BaseDelay)
	}
	if got := p.Delay(-3); got != p.BaseDelay {
		t.Errorf("Delay(-3) = %v, want %v", got, p.BaseDelay)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 5}

	if p.Exhausted(4) {
		t.Error("Exhausted(4) = true, want false")
	}
	if !p.Exhausted(5) {
		t.Error("Exhausted(5) = false, want true")
	}
	if !p.Exhausted(6) {
		t.Error("Exhausted(6) = false, want true")
	}
}

func TestRetryPolicyRejectionRetries(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 5}
	if got := p.RejectionRetries(); got != 2 {
		t.Errorf("RejectionRetries() = %d, want 2", got)
	}

	// Never larger than the full budget.
	p.MaxRetries = 1
	if got := p.RejectionRetries(); got != 1 {
		t.Errorf("RejectionRetries() with MaxRetries=1 = %d, want 1", got)
	}
}
