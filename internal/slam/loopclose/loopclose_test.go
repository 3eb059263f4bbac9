package loopclose

import (
	"context"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/vocab"
	"github.com/banshee-data/slam/internal/timeutil"
)

func testCalib() slam.Calibration {
	return slam.Calibration{Fx: 500, Fy: 500, Cx: 320, Cy: 240, MinX: 0, MaxX: 640, MinY: 0, MaxY: 480}
}

func testPyramid() slam.ScalePyramid {
	return slam.ScalePyramid{ScaleFactor: 1.2, NumLevels: 8}
}

func identityTcw() *mat.Dense {
	tcw := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		tcw.Set(i, i, 1)
	}
	return tcw
}

func project(calib slam.Calibration, world slam.Vec3, tcw *mat.Dense) (float64, float64) {
	var xc [3]float64
	for i := 0; i < 3; i++ {
		xc[i] = tcw.At(i, 0)*world[0] + tcw.At(i, 1)*world[1] + tcw.At(i, 2)*world[2] + tcw.At(i, 3)
	}
	invZ := 1 / xc[2]
	return calib.Fx*xc[0]*invZ + calib.Cx, calib.Fy*xc[1]*invZ + calib.Cy
}

// buildScene returns n world points and a FeatureSet projecting them
// under tcw, with one distinct single-bit descriptor per point so
// Hamming/BoW matching has an unambiguous winner.
func buildScene(n int, calib slam.Calibration, tcw *mat.Dense) ([]slam.Vec3, slam.FeatureSet, []slam.Descriptor) {
	var fs slam.FeatureSet
	fs.Calib = calib
	fs.ScaleFactor = 1.2
	fs.NumLevels = 8

	worlds := make([]slam.Vec3, n)
	descs := make([]slam.Descriptor, n)
	for i := 0; i < n; i++ {
		worlds[i] = slam.Vec3{float64(i%7) - 3, float64(i%5) - 2, 4 + float64(i)*0.1}
		descs[i] = slam.Descriptor{1 << uint(i%63), 0, 0, 0}

		u, v := project(calib, worlds[i], tcw)
		fs.Keypoints = append(fs.Keypoints, slam.KeyPoint{X: u, Y: v, Octave: 0})
		fs.Descriptors = append(fs.Descriptors, descs[i])
	}
	fs.BuildGrid()
	return worlds, fs, descs
}

// buildLoopPair constructs two graph-distant keyframes that independently
// reconstructed the same n physical points (the scenario detect_loop and
// compute_sim3 are meant to recognize), each with its own BoW vector and
// already indexed in db.
func buildLoopPair(t *testing.T, n int) (*slam.Map, *slam.KeyFrameDatabase, *vocab.Vocabulary, *slam.KeyFrame, *slam.KeyFrame) {
	t.Helper()
	calib := testCalib()
	m := slam.NewMap(testPyramid())

	worlds, fs0, descs := buildScene(n, calib, identityTcw())
	frame0 := slam.NewFrame(0, time.Now(), fs0, nil)
	kf := m.CreateKeyFrame(frame0, slam.IdentityPose())
	kf.SetOrigin()
	for i := 0; i < n; i++ {
		mp := m.CreateMapPoint(worlds[i], kf, descs[i])
		kf.SetMapPointAt(i, mp)
		mp.AddObservation(kf, i)
	}

	_, fs1, _ := buildScene(n, calib, identityTcw())
	frame1 := slam.NewFrame(1, time.Now(), fs1, nil)
	partner := m.CreateKeyFrame(frame1, slam.IdentityPose())
	for i := 0; i < n; i++ {
		mp := m.CreateMapPoint(worlds[i], partner, descs[i])
		partner.SetMapPointAt(i, mp)
		mp.AddObservation(partner, i)
	}

	vocabulary := vocab.New(descs)
	bowK, fvK := vocabulary.Transform(kf.FeatureSet)
	kf.SetBow(bowK, fvK)
	bowP, fvP := vocabulary.Transform(partner.FeatureSet)
	partner.SetBow(bowP, fvP)

	db := slam.NewKeyFrameDatabase()
	db.Add(kf)
	db.Add(partner)

	return m, db, vocabulary, kf, partner
}

func TestDetectLoopSkipsWithinIDGap(t *testing.T) {
	m, db, vocabulary, kf, _ := buildLoopPair(t, 20)
	w := New(DefaultConfig(), m, db, vocabulary, nil)
	w.lastLoopID = kf.ID()
	w.haveLastID = true

	_, accepted := w.detectLoop(kf)
	if accepted != nil {
		t.Fatal("expected a keyframe within the id gap of the last loop to be skipped")
	}
}

func TestDetectLoopRequiresBow(t *testing.T) {
	calib := testCalib()
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})

	_, fs, _ := buildScene(5, calib, identityTcw())
	frame := slam.NewFrame(0, time.Now(), fs, nil)
	kf := m.CreateKeyFrame(frame, slam.IdentityPose())
	kf.SetOrigin()

	w := New(DefaultConfig(), m, db, vocabulary, nil)
	_, accepted := w.detectLoop(kf)
	if accepted != nil {
		t.Fatal("expected a keyframe with no BoW vector to produce no candidates")
	}
}

func TestDetectLoopAcceptsAfterConsistentStreak(t *testing.T) {
	m, db, vocabulary, kf, partner := buildLoopPair(t, 20)

	cfg := DefaultConfig()
	cfg.MinLoopIDGap = 0
	cfg.MinCommonWords = 1
	cfg.GroupScoreRatio = 0
	cfg.ConsistencyThreshold = 3
	w := New(cfg, m, db, vocabulary, nil)

	var accepted []*slam.KeyFrame
	for i := 0; i < 3; i++ {
		groups, a := w.detectLoop(kf)
		w.groups = groups
		accepted = a
	}

	if len(accepted) != 1 || accepted[0].ID() != partner.ID() {
		t.Fatalf("expected partner to be accepted after a 3-iteration consistent streak, got %v", accepted)
	}
}

func TestComputeSim3RecoversNearIdentityTransform(t *testing.T) {
	m, db, vocabulary, kf, partner := buildLoopPair(t, 20)

	cfg := DefaultConfig()
	cfg.MinSim3Matches = 5
	cfg.MinSim3Inliers = 5
	w := New(cfg, m, db, vocabulary, nil)

	result, ok := w.computeSim3(kf, partner)
	if !ok {
		t.Fatal("expected compute_sim3 to accept two keyframes reconstructing the same points")
	}
	if diff := result.transform.S - 1; diff > 0.05 || diff < -0.05 {
		t.Errorf("expected recovered scale near 1, got %v", result.transform.S)
	}
	if n := result.transform.T.Norm(); n > 0.05 {
		t.Errorf("expected recovered translation near zero, got norm %v", n)
	}
}

type fakeLocalMapper struct {
	requestedStop bool
	released      bool
}

func (f *fakeLocalMapper) RequestStop() { f.requestedStop = true }
func (f *fakeLocalMapper) IsStopped() bool {
	return f.requestedStop
}
func (f *fakeLocalMapper) Release() { f.released = true }

func TestCorrectLoopAddsLoopEdgeAndPausesLocalMapping(t *testing.T) {
	m, db, vocabulary, kf, partner := buildLoopPair(t, 20)

	cfg := DefaultConfig()
	cfg.MinSim3Matches = 5
	cfg.MinSim3Inliers = 5
	fake := &fakeLocalMapper{}
	w := New(cfg, m, db, vocabulary, fake)

	result, ok := w.computeSim3(kf, partner)
	if !ok {
		t.Fatal("expected compute_sim3 to succeed as a precondition for this test")
	}

	w.correctLoop(context.Background(), kf, partner, result)

	if !fake.requestedStop {
		t.Error("expected correct_loop to request LocalMapping to stop")
	}
	if !fake.released {
		t.Error("expected correct_loop to release LocalMapping once done")
	}

	foundEdge := false
	for _, e := range kf.LoopEdges() {
		if e.ID() == partner.ID() {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Error("expected a loop edge between kf and its partner")
	}
}

type slowStopLocalMapper struct {
	checksBeforeStopped int
	checks              int
}

func (f *slowStopLocalMapper) RequestStop() {}
func (f *slowStopLocalMapper) IsStopped() bool {
	f.checks++
	return f.checks > f.checksBeforeStopped
}
func (f *slowStopLocalMapper) Release() {}

func TestWaitStoppedPollsThroughInjectedClock(t *testing.T) {
	fake := &slowStopLocalMapper{checksBeforeStopped: 3}
	w := New(DefaultConfig(), nil, nil, nil, fake)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	w.SetClock(clock)

	w.waitStopped()

	if fake.checks != 4 {
		t.Fatalf("expected waitStopped to poll IsStopped 4 times, got %d", fake.checks)
	}
	if len(clock.Sleeps()) != 3 {
		t.Fatalf("expected waitStopped to sleep through the injected clock between polls, got %d recorded sleeps", len(clock.Sleeps()))
	}
	for _, d := range clock.Sleeps() {
		if d != pausePoll {
			t.Errorf("expected every poll sleep to be pausePoll (%v), got %v", pausePoll, d)
		}
	}
}

func TestProcessKeyFrameEndToEnd(t *testing.T) {
	m, db, vocabulary, kf, partner := buildLoopPair(t, 20)

	cfg := DefaultConfig()
	cfg.MinLoopIDGap = 0
	cfg.MinCommonWords = 1
	cfg.GroupScoreRatio = 0
	cfg.ConsistencyThreshold = 1
	cfg.MinSim3Matches = 5
	cfg.MinSim3Inliers = 5
	w := New(cfg, m, db, vocabulary, nil)

	ctx := context.Background()
	w.processKeyFrame(ctx, kf)

	foundEdge := false
	for _, e := range kf.LoopEdges() {
		if e.ID() == partner.ID() {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Error("expected a single processKeyFrame pass to detect, compute, and correct the loop")
	}
}
