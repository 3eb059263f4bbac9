package initmap

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/slam"
)

func calib() slam.Calibration {
	return slam.Calibration{Fx: 500, Fy: 500, Cx: 320, Cy: 240, MinX: 0, MaxX: 640, MinY: 0, MaxY: 480}
}

func gridFrameSet(offset float64) slam.FeatureSet {
	fs := slam.FeatureSet{Calib: calib(), ScaleFactor: 1.2, NumLevels: 8}
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			x := float64(20*i) + offset
			y := float64(20 * j)
			if x < 0 || x >= 640 || y < 0 || y >= 480 {
				continue
			}
			fs.Keypoints = append(fs.Keypoints, slam.KeyPoint{X: x, Y: y})
			fs.Descriptors = append(fs.Descriptors, slam.Descriptor{uint64(i*100 + j), 0, 0, 0})
		}
	}
	fs.BuildGrid()
	return fs
}

func TestMatchWindowFindsShiftedCorrespondences(t *testing.T) {
	ref := slam.NewFrame(0, time.Now(), gridFrameSet(0), nil)
	cur := slam.NewFrame(1, time.Now(), gridFrameSet(2), nil)

	corrs := matchWindow(ref, cur, 100)
	if len(corrs) < 100 {
		t.Fatalf("expected most of the 144 keypoints to match under a 2px shift, got %d", len(corrs))
	}
}

func TestAttemptRearmsOnSparseMatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinMatches = 1000 // force the sparse-match path
	ref := slam.NewFrame(0, time.Now(), gridFrameSet(0), nil)
	in := New(cfg, ref)

	cur := slam.NewFrame(1, time.Now(), gridFrameSet(0), nil)
	result, ok := in.Attempt(cur, calib())
	if ok || result != nil {
		t.Fatal("expected Attempt to fail and rearm when matches fall short of MinMatches")
	}
	if in.Ref() != cur {
		t.Fatal("expected Attempt to rearm onto the current frame")
	}
}

func TestEnforceRankTwoZeroesSmallestSingularValue(t *testing.T) {
	f := mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 10})
	out := enforceRankTwo(f)

	var svd mat.SVD
	if !svd.Factorize(out, mat.SVDFull) {
		t.Fatal("expected SVD of rank-reduced matrix to factorize")
	}
	sv := svd.Values(nil)
	if sv[2] > 1e-9 {
		t.Errorf("expected smallest singular value ~0 after rank-2 projection, got %v", sv[2])
	}
}
