package indicator

import (
	"math"
	"testing"
)

func TestSMA_RollingWindow(t *testing.T) {
	s := NewSMA(3)

	s.Observe(100)
	if s.Ready() {
		t.Fatal("should not be ready after 1 value")
	}
	if s.Value() != 100 {
		t.Fatalf("partial average = %v, want 100", s.Value())
	}

	s.Observe(110)
	s.Observe(120)
	if !s.Ready() {
		t.Fatal("should be ready after period values")
	}
	if s.Value() != 110 {
		t.Fatalf("value = %v, want 110", s.Value())
	}

	// Window slides: 110, 120, 130
	s.Observe(130)
	if s.Value() != 120 {
		t.Fatalf("value after slide = %v, want 120", s.Value())
	}
}

func TestSMA_LongSeries(t *testing.T) {
	s := NewSMA(5)
	for i := 1; i <= 100; i++ {
		s.Observe(float64(i))
	}
	// Last window: 96..100
	if math.Abs(s.Value()-98.0) > 1e-9 {
		t.Fatalf("value = %v, want 98", s.Value())
	}
}

func TestSMA_Reset(t *testing.T) {
	s := NewSMA(2)
	s.Observe(50)
	s.Observe(60)
	s.Reset()
	if s.Ready() || s.Value() != 0 {
		t.Fatalf("reset should clear state: ready=%v value=%v", s.Ready(), s.Value())
	}
	s.Observe(10)
	if s.Value() != 10 {
		t.Fatalf("value after reset+observe = %v, want 10", s.Value())
	}
}
