package timesync

import "testing"

func TestAverage(t *testing.T) {
	e := New(4)
	for _, v := range []int{2, 4, 6, 8} {
		e.AddSample(v)
	}
	if got := e.Average(); got != 5 {
		t.Fatalf("Average() = %v, want 5", got)
	}
}

func TestAverageEmpty(t *testing.T) {
	e := New(4)
	if got := e.Average(); got != 0 {
		t.Fatalf("Average() on empty = %v, want 0", got)
	}
}

func TestWindowSlides(t *testing.T) {
	e := New(3)
	for _, v := range []int{1, 1, 1, 100} {
		e.AddSample(v)
	}
	// Window holds the last 3 samples: 1, 1, 100.
	want := (1.0 + 1.0 + 100.0) / 3.0
	if got := e.Average(); got != want {
		t.Fatalf("Average() = %v, want %v", got, want)
	}
}

func TestRecommendRequiresFullWindow(t *testing.T) {
	e := New(10)
	e.AddSample(50)
	if _, ok := e.Recommend(1, 5); ok {
		t.Fatal("Recommend should not fire before the window fills")
	}
}

func TestRecommendFiresOnSustainedAdvantage(t *testing.T) {
	e := New(5)
	for i := 0; i < 5; i++ {
		e.AddSample(10)
	}
	frames, ok := e.Recommend(3, 1)
	if !ok {
		t.Fatal("expected a recommendation for a sustained 10-frame advantage")
	}
	if frames != 7 {
		t.Fatalf("frames = %d, want 7", frames)
	}
}

func TestRecommendSuppressedByJitter(t *testing.T) {
	e := New(4)
	for _, v := range []int{0, 20, 0, 20} {
		e.AddSample(v)
	}
	if _, ok := e.Recommend(1, 0.5); ok {
		t.Fatal("Recommend should be suppressed by high jitter")
	}
}

func TestRecommendSuppressedBelowThreshold(t *testing.T) {
	e := New(3)
	for i := 0; i < 3; i++ {
		e.AddSample(1)
	}
	if _, ok := e.Recommend(5, 10); ok {
		t.Fatal("Recommend should not fire below the threshold")
	}
}
