package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/slam/internal/slam"
)

func buildTestMap(t *testing.T) *slam.Map {
	t.Helper()
	m := slam.NewMap(slam.ScalePyramid{ScaleFactor: 1.2, NumLevels: 8})

	fs := slam.FeatureSet{Keypoints: make([]slam.KeyPoint, 3), Descriptors: make([]slam.Descriptor, 3)}
	frame := slam.NewFrame(0, time.Now(), fs, nil)
	kf := m.CreateKeyFrame(frame, slam.IdentityPose())
	kf.SetOrigin()

	for i := 0; i < 3; i++ {
		pos := slam.Vec3{float64(i), 0, 5 + float64(i)}
		mp := m.CreateMapPoint(pos, kf, slam.Descriptor{uint64(i), 0, 0, 0})
		kf.SetMapPointAt(i, mp)
		mp.AddObservation(kf, i)
	}
	return m
}

func TestTrajectoryPlotWritesFile(t *testing.T) {
	m := buildTestMap(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "trajectory.png")

	if err := TrajectoryPlot(m, path); err != nil {
		t.Fatalf("TrajectoryPlot failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected a non-empty plot file")
	}
}

func TestTrajectoryPlotHandlesEmptyMap(t *testing.T) {
	m := slam.NewMap(slam.ScalePyramid{ScaleFactor: 1.2, NumLevels: 8})
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.png")

	if err := TrajectoryPlot(m, path); err != nil {
		t.Fatalf("expected an empty map to still produce a plot, got: %v", err)
	}
}
