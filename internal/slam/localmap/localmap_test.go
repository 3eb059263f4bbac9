package localmap

import (
	"context"
	"sync"
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

func tcwWithTranslation(tx, ty, tz float64) *mat.Dense {
	tcw := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		tcw.Set(i, i, 1)
	}
	tcw.Set(0, 3, tx)
	tcw.Set(1, 3, ty)
	tcw.Set(2, 3, tz)
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

// twoViewScene builds an origin keyframe observing n points (the first
// matched of them already turned into MapPoints) and a second keyframe
// observing the same n points from a small baseline with no map points
// assigned yet, as create_new_map_points expects to find them. Neither
// keyframe has a BoW vector computed; callers that need one (anything
// exercising BoW-restricted matching) must compute and set it.
func twoViewScene(t *testing.T, n, matched int) (*slam.Map, *slam.KeyFrame, *slam.KeyFrame, []slam.Vec3, []slam.Descriptor) {
	t.Helper()
	calib := testCalib()
	m := slam.NewMap(testPyramid())

	worlds, fs0, descs := buildScene(n, calib, tcwWithTranslation(0, 0, 0))
	frame0 := slam.NewFrame(0, time.Now(), fs0, nil)
	kf0 := m.CreateKeyFrame(frame0, slam.IdentityPose())
	kf0.SetOrigin()
	for i := 0; i < matched; i++ {
		mp := m.CreateMapPoint(worlds[i], kf0, descs[i])
		kf0.SetMapPointAt(i, mp)
		mp.AddObservation(kf0, i)
		mp.RecomputeDescriptor()
		mp.RecomputeNormalAndDepth()
	}

	tcw1 := tcwWithTranslation(0.3, 0, 0)
	_, fs1, _ := buildScene(n, calib, tcw1)
	frame1 := slam.NewFrame(1, time.Now(), fs1, kf0)
	kf1 := m.CreateKeyFrame(frame1, slam.PoseFromTcw(tcw1))

	kf0.AddConnection(kf1.ID(), n)
	kf1.AddConnection(kf0.ID(), n)

	return m, kf0, kf1, worlds, descs
}

func TestAcceptsKeyframesReflectsQueueDepth(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})

	cfg := DefaultConfig()
	cfg.QueueCapacity = 8
	cfg.AcceptThreshold = 2
	w := New(cfg, m, db, vocabulary, nil)

	if !w.AcceptsKeyframes() {
		t.Fatal("expected an empty queue to accept keyframes")
	}

	calib := testCalib()
	_, fs, _ := buildScene(5, calib, tcwWithTranslation(0, 0, 0))
	frame := slam.NewFrame(0, time.Now(), fs, nil)
	kf := m.CreateKeyFrame(frame, slam.IdentityPose())
	kf.SetOrigin()

	w.queue <- kf
	w.queue <- kf
	if w.AcceptsKeyframes() {
		t.Fatal("expected a full-to-threshold queue to stop accepting keyframes")
	}
}

func TestAbortBATriggersCurrentSignal(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	// AbortBA before any BA round is running must be a harmless no-op.
	w.AbortBA()

	sig := newAbortSignal()
	w.mu.Lock()
	w.abortOf = sig
	w.mu.Unlock()

	w.AbortBA()

	select {
	case <-sig.ch:
	default:
		t.Fatal("expected AbortBA to close the in-flight abort signal")
	}
}

func TestProcessNewKeyFrameComputesBowAndIndexes(t *testing.T) {
	m, kf0, kf1, _, descs := twoViewScene(t, 20, 20)
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New(descs)
	bow0, fv0 := vocabulary.Transform(kf0.FeatureSet)
	kf0.SetBow(bow0, fv0)
	db.Add(kf0)

	w := New(DefaultConfig(), m, db, vocabulary, nil)

	if kf1.Bow() != nil {
		t.Fatal("expected kf1 to start without a BoW vector")
	}
	w.processNewKeyFrame(kf1)

	if kf1.Bow() == nil {
		t.Fatal("expected processNewKeyFrame to compute and store kf1's BoW vector")
	}
	if len(kf1.BestCovisible(10)) == 0 {
		t.Error("expected UpdateConnections to preserve the pre-seeded covisibility edge")
	}
}

func TestCreateNewMapPointsTriangulatesAgainstNeighbor(t *testing.T) {
	// Only the first half of kf0's points are already mapped, leaving the
	// rest as fresh triangulation candidates against kf1, which starts
	// with no map points at all.
	m, kf0, kf1, _, descs := twoViewScene(t, 20, 10)
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New(descs)
	bow0, fv0 := vocabulary.Transform(kf0.FeatureSet)
	kf0.SetBow(bow0, fv0)
	bow1, fv1 := vocabulary.Transform(kf1.FeatureSet)
	kf1.SetBow(bow1, fv1)
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	before := m.NumMapPoints()
	w.createNewMapPoints(kf1)
	after := m.NumMapPoints()

	if after <= before {
		t.Fatalf("expected createNewMapPoints to triangulate new points, count went from %d to %d", before, after)
	}

	found := 0
	for _, mp := range kf1.MapPoints() {
		if mp != nil {
			found++
		}
	}
	if found == 0 {
		t.Error("expected kf1 to gain map point observations from triangulation")
	}
}

func TestMapPointCullingRemovesLowFoundRatioPoints(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	calib := testCalib()
	_, fs, descs := buildScene(1, calib, tcwWithTranslation(0, 0, 0))
	frame := slam.NewFrame(0, time.Now(), fs, nil)
	kf := m.CreateKeyFrame(frame, slam.IdentityPose())
	kf.SetOrigin()

	mp := m.CreateMapPoint(slam.Vec3{0, 0, 4}, kf, descs[0])
	mp.IncrementVisible(10)
	mp.IncrementFound(1) // ratio 0.1, below the default 0.25 floor

	w.trackRecent(mp)
	w.mapPointCulling()

	if !mp.IsBad() {
		t.Error("expected a point with a low found ratio to be culled")
	}
}

func TestMapPointCullingKeepsHealthyYoungPoints(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	calib := testCalib()
	_, fs, descs := buildScene(1, calib, tcwWithTranslation(0, 0, 0))
	frame := slam.NewFrame(0, time.Now(), fs, nil)
	kf := m.CreateKeyFrame(frame, slam.IdentityPose())
	kf.SetOrigin()

	mp := m.CreateMapPoint(slam.Vec3{0, 0, 4}, kf, descs[0])
	mp.IncrementVisible(4)
	mp.IncrementFound(4) // ratio 1.0

	w.trackRecent(mp)
	w.mapPointCulling()

	if mp.IsBad() {
		t.Error("expected a healthy, still-young point to survive culling")
	}
}

func TestKeyframeCullingErasesRedundantNeighbor(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})
	cfg := DefaultConfig()
	cfg.MinPointsForCulling = 5
	cfg.RedundantObserverCount = 2
	cfg.RedundancyRatio = 0.9
	w := New(cfg, m, db, vocabulary, nil)

	calib := testCalib()
	const n = 10
	_, fs0, descs := buildScene(n, calib, tcwWithTranslation(0, 0, 0))
	frame0 := slam.NewFrame(0, time.Now(), fs0, nil)
	origin := m.CreateKeyFrame(frame0, slam.IdentityPose())
	origin.SetOrigin()

	_, fs1, _ := buildScene(n, calib, tcwWithTranslation(0.05, 0, 0))
	frame1 := slam.NewFrame(1, time.Now(), fs1, origin)
	redundant := m.CreateKeyFrame(frame1, slam.IdentityPose())

	_, fs2, _ := buildScene(n, calib, tcwWithTranslation(-0.05, 0, 0))
	frame2 := slam.NewFrame(2, time.Now(), fs2, origin)
	third := m.CreateKeyFrame(frame2, slam.IdentityPose())

	for i := 0; i < n; i++ {
		mp := m.CreateMapPoint(slam.Vec3{float64(i), 0, 4}, origin, descs[i])
		for _, kf := range []*slam.KeyFrame{origin, redundant, third} {
			kf.SetMapPointAt(i, mp)
			mp.AddObservation(kf, i)
		}
	}

	redundant.AddConnection(origin.ID(), n)
	origin.AddConnection(redundant.ID(), n)

	before := redundant.IsBad()
	w.keyframeCulling(origin)

	if before {
		t.Fatal("test setup error: redundant keyframe already bad")
	}
	if !redundant.IsBad() {
		t.Error("expected the fully-redundant neighbor to be culled")
	}
	if third.IsBad() {
		t.Error("did not expect the third observer to itself be culled by this pass")
	}
}

func TestSearchInNeighborsFusesSharedObservations(t *testing.T) {
	m, kf0, kf1, worlds, descs := twoViewScene(t, 10, 10)
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New(descs)
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	// Give kf1 its own independent MapPoint at the same world location as
	// kf0's point 0: Fuse should recognize the duplicate and merge it onto
	// whichever point has more observations rather than keeping both.
	dup := m.CreateMapPoint(worlds[0], kf1, kf1.Descriptors[0])
	kf1.SetMapPointAt(0, dup)
	dup.AddObservation(kf1, 0)

	w.searchInNeighbors(kf1)

	if dup.IsBad() == false {
		t.Error("expected the duplicate point to lose the fusion and be marked bad")
	}
	fused := kf1.MapPointAt(0)
	if fused == nil {
		t.Fatal("expected kf1 to retain a map point at index 0 after fusion")
	}
	if kf0.MapPointAt(0) == nil || fused.ID() != kf0.MapPointAt(0).ID() {
		t.Error("expected kf1's index 0 to now point at kf0's surviving observation")
	}
}

// TestConcurrentPoseReadDuringLocalBundleAdjustment runs local_bundle_
// adjustment against kf1 while another goroutine repeatedly reads kf0 and
// kf1's pose, the way Tracking's CurrentPose query can race a LocalMapping
// BA round in production (spec.md §5's concurrent-pipeline contract).
func TestConcurrentPoseReadDuringLocalBundleAdjustment(t *testing.T) {
	m, kf0, kf1, _, descs := twoViewScene(t, 30, 30)
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New(descs)
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = kf0.Pose()
				_ = kf1.Pose()
			}
		}
	}()

	w.localBundleAdjustment(kf1)

	close(stop)
	wg.Wait()
}

func TestWorkerPauseLoopUsesInjectedClock(t *testing.T) {
	m := slam.NewMap(testPyramid())
	db := slam.NewKeyFrameDatabase()
	vocabulary := vocab.New([]slam.Descriptor{{0, 0, 0, 0}})
	w := New(DefaultConfig(), m, db, vocabulary, nil)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	w.SetClock(clock)

	w.mu.Lock()
	w.stopRequested = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for len(clock.Sleeps()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if len(clock.Sleeps()) == 0 {
		t.Fatal("expected the paused worker loop to sleep through the injected clock rather than a raw time.Sleep")
	}
	for _, d := range clock.Sleeps() {
		if d != pausePoll {
			t.Errorf("expected every pause sleep to be pausePoll (%v), got %v", pausePoll, d)
		}
	}
}
