package prefetch

import (
	"reflect"
	"testing"
)

func feed(o *Oracle, numbers ...int) {
	for _, n := range numbers {
		o.Add(n)
	}
}

// TestPredictRequiresHistory verifies that fewer than three accesses never
// produce predictions.
func TestPredictRequiresHistory(t *testing.T) {
	o := NewOracle(5)
	feed(o, 1, 2)
	if got := o.Predict(5, PredictAll); got != nil {
		t.Errorf("Predict with 2 accesses = %v, want nil", got)
	}
}

// TestPredictArithmeticSequences covers forward, backward and strided scans.
func TestPredictArithmeticSequences(t *testing.T) {
	tests := []struct {
		name   string
		feed   []int
		length int
		want   []int
	}{
		{
			name:   "forward scan",
			feed:   []int{10, 20, 30, 40},
			length: 5,
			want:   []int{50, 60, 70},
		},
		{
			name:   "unit stride",
			feed:   []int{1, 2, 3, 4, 5},
			length: 3,
			want:   []int{6, 7, 8},
		},
		{
			name:   "backward scan stays positive",
			feed:   []int{9, 7, 5, 3},
			length: 5,
			want:   []int{1},
		},
		{
			name:   "length caps the result",
			feed:   []int{10, 20, 30, 40, 50},
			length: 2,
			want:   []int{60, 70},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOracle(8)
			feed(o, tt.feed...)
			got := o.Predict(tt.length, PredictAll)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Predict(%d) = %v, want %v", tt.length, got, tt.want)
			}
		})
	}
}

// TestPredictRandomAccess verifies the 75% agreement threshold suppresses
// predictions on irregular access.
func TestPredictRandomAccess(t *testing.T) {
	o := NewOracle(5)
	feed(o, 3, 17, 4, 99, 58, 1, 42)
	if got := o.Predict(5, PredictAll); got != nil {
		t.Errorf("Predict on random access = %v, want nil", got)
	}
}

// TestPredictContinueSuppressesRepeats verifies that CONTINUE predictions
// are deduplicated against past predictions.
func TestPredictContinueSuppressesRepeats(t *testing.T) {
	o := NewOracle(8)
	feed(o, 10, 20, 30, 40)

	first := o.Predict(8, PredictContinue)
	if len(first) == 0 {
		t.Fatal("first CONTINUE prediction is empty")
	}

	// Continuing the same scan by one block must not re-predict what was
	// already handed out.
	o.Add(50)
	second := o.Predict(8, PredictContinue)
	for _, p := range second {
		for _, q := range first {
			if p == q {
				t.Errorf("prediction %d repeated across CONTINUE calls", p)
			}
		}
	}
}

// TestAddDeduplicates verifies repeated accesses do not pollute the history.
func TestAddDeduplicates(t *testing.T) {
	o := NewOracle(5)
	feed(o, 7, 7, 7)
	if got := len(o.sequence); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

// TestHistoryBounded verifies the history never exceeds its capacity.
func TestHistoryBounded(t *testing.T) {
	o := NewOracle(5) // capacity 10
	for i := 0; i < 100; i++ {
		o.Add(i)
	}
	if got := len(o.sequence); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
	// Most recent access sits at the front.
	if o.sequence[0] != 99 {
		t.Errorf("front of history = %d, want 99", o.sequence[0])
	}
}

// TestPredictionWindowBoundsResult verifies predictions never exceed the
// configured maximum.
func TestPredictionWindowBoundsResult(t *testing.T) {
	o := NewOracle(2)
	feed(o, 1, 2, 3, 4, 5, 6)
	if got := o.Predict(100, PredictAll); len(got) > 2 {
		t.Errorf("prediction longer than window: %v", got)
	}
}
