package slam

import (
	"testing"
	"time"
)

func TestNewFrameInitializesSlots(t *testing.T) {
	fs := testFeatureSet(5)
	f := NewFrame(1, time.Now(), fs, nil)

	if len(f.MapPoints) != 5 || len(f.Outlier) != 5 {
		t.Fatalf("expected 5 match slots, got %d map points and %d outlier flags", len(f.MapPoints), len(f.Outlier))
	}
	if f.HasPose() {
		t.Fatal("expected fresh frame to have no pose yet")
	}
}

func TestFrameNumMatchesExcludesOutliers(t *testing.T) {
	m := NewMap(testPyramid())
	kf := newTestKeyFrame(t, m, 5)
	fs := testFeatureSet(3)
	f := NewFrame(1, time.Now(), fs, kf)

	mp1 := m.CreateMapPoint(Vec3{0, 0, 1}, kf, Descriptor{})
	mp2 := m.CreateMapPoint(Vec3{1, 0, 1}, kf, Descriptor{})
	f.MapPoints[0] = mp1
	f.MapPoints[1] = mp2
	f.Outlier[1] = true

	if got := f.NumMatches(); got != 1 {
		t.Errorf("expected 1 inlier match, got %d", got)
	}

	f.ClearOutliers()
	if got := f.NumMatches(); got != 2 {
		t.Errorf("expected 2 matches after clearing outliers, got %d", got)
	}
}

func TestFrameSetPoseUpdatesCameraCenter(t *testing.T) {
	fs := testFeatureSet(2)
	f := NewFrame(1, time.Now(), fs, nil)

	f.SetPose(IdentityPose().Tcw)
	if !f.HasPose() {
		t.Fatal("expected HasPose true after SetPose")
	}
	if f.CameraCenter() != (Vec3{0, 0, 0}) {
		t.Errorf("expected identity pose camera center at origin, got %v", f.CameraCenter())
	}
}

func TestFrameBowCaching(t *testing.T) {
	fs := testFeatureSet(2)
	f := NewFrame(1, time.Now(), fs, nil)

	if f.BowComputed() {
		t.Fatal("expected BowComputed false before SetBow")
	}
	bow := BowVector{1: 0.5}
	f.SetBow(bow, FeatureVector{1: {0}})
	if !f.BowComputed() {
		t.Fatal("expected BowComputed true after SetBow")
	}
	if f.Bow()[1] != 0.5 {
		t.Errorf("expected cached bow weight 0.5, got %v", f.Bow()[1])
	}
}
