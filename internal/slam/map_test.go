package slam

import (
	"testing"
	"time"
)

func testPyramid() ScalePyramid {
	return ScalePyramid{ScaleFactor: 1.2, NumLevels: 8}
}

func testCalib() Calibration {
	return Calibration{Fx: 500, Fy: 500, Cx: 320, Cy: 240, MinX: 0, MaxX: 640, MinY: 0, MaxY: 480}
}

func testFeatureSet(n int) FeatureSet {
	fs := FeatureSet{
		Calib:       testCalib(),
		ScaleFactor: 1.2,
		NumLevels:   8,
	}
	for i := 0; i < n; i++ {
		fs.Keypoints = append(fs.Keypoints, KeyPoint{X: float64(10 * i), Y: float64(10 * i), Octave: 0})
		fs.Descriptors = append(fs.Descriptors, Descriptor{uint64(i), 0, 0, 0})
	}
	fs.BuildGrid()
	return fs
}

func TestNewMapEmpty(t *testing.T) {
	m := NewMap(testPyramid())
	if m.NumKeyFrames() != 0 {
		t.Errorf("expected 0 keyframes, got %d", m.NumKeyFrames())
	}
	if m.NumMapPoints() != 0 {
		t.Errorf("expected 0 map points, got %d", m.NumMapPoints())
	}
}

func TestCreateKeyFrameAssignsMonotoneIDs(t *testing.T) {
	m := NewMap(testPyramid())
	f1 := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	f2 := NewFrame(1, time.Now(), testFeatureSet(5), nil)

	kf1 := m.CreateKeyFrame(f1, IdentityPose())
	kf2 := m.CreateKeyFrame(f2, IdentityPose())

	if kf1.ID() == kf2.ID() {
		t.Fatal("expected distinct keyframe ids")
	}
	if m.KeyFrame(kf1.ID()) != kf1 {
		t.Error("lookup mismatch for kf1")
	}
	if m.NumKeyFrames() != 2 {
		t.Errorf("expected 2 keyframes, got %d", m.NumKeyFrames())
	}
}

func TestCreateMapPointAndErase(t *testing.T) {
	m := NewMap(testPyramid())
	f := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	kf := m.CreateKeyFrame(f, IdentityPose())

	mp := m.CreateMapPoint(Vec3{1, 2, 3}, kf, Descriptor{1, 2, 3, 4})
	if m.MapPoint(mp.ID()) != mp {
		t.Fatal("lookup mismatch for mp")
	}
	mp.AddObservation(kf, 0)
	kf.setMapPointAt(0, mp)

	mp.SetBad()
	if !mp.IsBad() {
		t.Error("expected map point to be bad after SetBad")
	}
	if m.MapPoint(mp.ID()) != nil {
		t.Error("expected map point to be erased from map after SetBad")
	}
}

func TestMapClearResetsIDCounters(t *testing.T) {
	m := NewMap(testPyramid())
	f := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	kf := m.CreateKeyFrame(f, IdentityPose())
	m.CreateMapPoint(Vec3{0, 0, 0}, kf, Descriptor{})

	m.Clear()

	if m.NumKeyFrames() != 0 || m.NumMapPoints() != 0 {
		t.Fatal("expected empty map after Clear")
	}
	f2 := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	kf = m.CreateKeyFrame(f2, IdentityPose())
	if kf.ID() != 0 {
		t.Errorf("expected id counter reset to 0, got %d", kf.ID())
	}
}

func TestReferenceMapPointsRoundTrip(t *testing.T) {
	m := NewMap(testPyramid())
	f := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	kf := m.CreateKeyFrame(f, IdentityPose())
	mp1 := m.CreateMapPoint(Vec3{1, 0, 0}, kf, Descriptor{})
	mp2 := m.CreateMapPoint(Vec3{0, 1, 0}, kf, Descriptor{})

	m.SetReferenceMapPoints([]*MapPoint{mp1, mp2})
	got := m.ReferenceMapPoints()
	if len(got) != 2 {
		t.Fatalf("expected 2 reference points, got %d", len(got))
	}
}

func TestChangeIndexBumpsOnStructuralChange(t *testing.T) {
	m := NewMap(testPyramid())
	f := NewFrame(0, time.Now(), testFeatureSet(5), nil)
	kf := m.CreateKeyFrame(f, IdentityPose())
	before := m.ChangeIndex()
	m.CreateMapPoint(Vec3{0, 0, 0}, kf, Descriptor{})
	after := m.ChangeIndex()
	if after <= before {
		t.Errorf("expected change index to advance, before=%d after=%d", before, after)
	}
}
