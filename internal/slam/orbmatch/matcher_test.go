package orbmatch

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRatioTest(t *testing.T) {
	if !RatioTest(10, 20, DefaultRatio) {
		t.Error("expected 10 < 0.9*20 to pass")
	}
	if RatioTest(19, 20, DefaultRatio) {
		t.Error("expected 19 < 0.9*20=18 to fail")
	}
}

func TestOrientationHistogramFilterKeepsDominantBins(t *testing.T) {
	matches := []Match{{0, 0, 1}, {1, 1, 1}, {2, 2, 1}, {3, 3, 1}, {4, 4, 1}, {5, 5, 1}, {6, 6, 1}, {7, 7, 1}}
	// indices 0,1,2 have angle diff 0 (bin 0), 4,5 have 0.5 rad (bin 2),
	// 6,7 have 1.0 rad (bin 4); index 3 alone has 3.0 rad (bin 14), the
	// fourth most populated bin.
	angle1 := func(i int) float64 {
		switch {
		case i == 3:
			return 3.0
		case i == 4 || i == 5:
			return 0.5
		case i == 6 || i == 7:
			return 1.0
		}
		return 0
	}
	angle2 := func(i int) float64 { return 0 }

	out := orientationHistogramFilter(matches, angle1, angle2)
	for _, m := range out {
		if m.Idx1 == 3 {
			t.Error("expected outlier rotation match to be filtered when dominant bins are full")
		}
	}
	if len(out) == 0 {
		t.Fatal("expected dominant-bin matches to survive")
	}
}

func TestEpipolarDistanceZeroOnTheLine(t *testing.T) {
	// A degenerate "fundamental matrix" encoding the line v=0 (b coeff
	// nonzero, a and c zero): F = [[0,0,0],[0,1,0],[0,0,0]].
	f := mat.NewDense(3, 3, []float64{
		0, 0, 0,
		0, 1, 0,
		0, 0, 0,
	})
	d := EpipolarDistance(f, 0, 1, 5, 0)
	if d != 0 {
		t.Errorf("expected zero distance on the epipolar line, got %v", d)
	}
}
