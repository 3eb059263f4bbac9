// Package localmap implements the second of spec.md §5's three
// concurrent pipelines: a FIFO worker that drains keyframes handed off
// by Tracking, folds them into the covisibility graph, triangulates new
// map points against covisible neighbors, fuses duplicate observations,
// runs local bundle adjustment, and culls both redundant points and
// redundant keyframes (spec.md §4.3). It implements the tracking.
// LocalMapper interface without importing the tracking package,
// mirroring the teacher's PacketForwarder: a buffered channel drained by
// one goroutine, with the producer observing queue depth instead of
// reaching into the consumer's state.
package localmap

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/optimize"
	"github.com/banshee-data/slam/internal/slam/orbmatch"
	"github.com/banshee-data/slam/internal/slam/vocab"
	"github.com/banshee-data/slam/internal/timeutil"
)

// pausePoll is how often the worker loop rechecks a pending RequestStop,
// mirroring spec.md §5's ~3ms suspension-point granularity.
const pausePoll = 3 * time.Millisecond

// LoopCloser is the surface LocalMapping hands accepted keyframes to,
// the only coupling between this package and LoopClosing (spec.md §5).
// LocalMapping never imports the loopclose package directly.
type LoopCloser interface {
	Enqueue(kf *slam.KeyFrame)
}

// Config holds LocalMapping's tunable thresholds, sourced from spec.md
// §4.3's named constants.
type Config struct {
	// QueueCapacity bounds the keyframe backlog before Enqueue blocks.
	QueueCapacity int

	// AcceptThreshold is the queue depth below which AcceptsKeyframes
	// reports true (spec.md §4.2.4's "LocalMapping queue-short" gate).
	AcceptThreshold int

	// CovisibilityWeight is the minimum shared-observation count two
	// keyframes need to be linked in the covisibility graph; a keyframe
	// with no neighbor at that count is linked to its strongest one only.
	CovisibilityWeight int

	// TriangulationNeighbors bounds how many best-covisible neighbors
	// create_new_map_points searches against.
	TriangulationNeighbors int

	// EpipolarThreshold gates SearchForTriangulation's epipolar-distance
	// check, in sigma^2 units.
	EpipolarThreshold float64

	// ReprojectionThreshold gates a freshly triangulated point's
	// reprojection error into both originating views, in sigma^2 units.
	ReprojectionThreshold float64

	// FuseNeighbors bounds how many best-covisible neighbors
	// search_in_neighbors fuses against.
	FuseNeighbors int

	// FuseRadius is the projection search radius (in scale-factor
	// units) orbmatch.Fuse uses.
	FuseRadius float64

	// CullFoundRatio is the minimum found/visible ratio a recently
	// created point must keep, or be culled immediately.
	CullFoundRatio float64

	// CullAgeKeyframes is how many keyframes a point survives in the
	// recent-point watch list before the ratio/observation-count checks
	// no longer apply.
	CullAgeKeyframes int

	// CullMinObservations is the observation count a point must exceed by
	// CullAgeKeyframes, or be culled (a point with exactly this many is
	// culled).
	CullMinObservations int

	// MinPointsForCulling is the minimum point count a keyframe must
	// carry before keyframe_culling considers it for redundancy.
	MinPointsForCulling int

	// RedundantObserverCount is how many other observers a point needs
	// to count as redundantly observed.
	RedundantObserverCount int

	// RedundancyRatio is the fraction of a keyframe's points that must
	// be redundantly observed for the keyframe itself to be culled.
	RedundancyRatio float64

	// BARounds is the number of Gauss-Newton rounds local_bundle_adjustment
	// runs per accepted keyframe.
	BARounds int
}

// DefaultConfig returns spec.md §4.3's named thresholds.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:          64,
		AcceptThreshold:        3,
		CovisibilityWeight:     15,
		TriangulationNeighbors: 10,
		EpipolarThreshold:      3.84,
		ReprojectionThreshold:  5.99,
		FuseNeighbors:          10,
		FuseRadius:             3.0,
		CullFoundRatio:         0.25,
		CullAgeKeyframes:       3,
		CullMinObservations:    2,
		MinPointsForCulling:    20,
		RedundantObserverCount: 3,
		RedundancyRatio:        0.9,
		BARounds:               5,
	}
}

type recentPoint struct {
	mp     *slam.MapPoint
	bornAt int
}

type abortSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newAbortSignal() *abortSignal { return &abortSignal{ch: make(chan struct{})} }

func (a *abortSignal) trigger() { a.once.Do(func() { close(a.ch) }) }

// Worker is LocalMapping's single-goroutine consumer of Tracking's
// keyframe queue.
type Worker struct {
	cfg        Config
	m          *slam.Map
	db         *slam.KeyFrameDatabase
	vocabulary *vocab.Vocabulary
	loop       LoopCloser

	queue    chan *slam.KeyFrame
	stop     chan struct{}
	stopOnce sync.Once
	clock    timeutil.Clock

	mu            sync.Mutex
	recent        []recentPoint
	kfCount       int
	abortOf       *abortSignal
	stopRequested bool
	processing    bool
}

// New constructs a LocalMapping worker. loop may be nil if LoopClosing
// is not wired up yet; accepted keyframes are simply not forwarded.
func New(cfg Config, m *slam.Map, db *slam.KeyFrameDatabase, vocabulary *vocab.Vocabulary, loop LoopCloser) *Worker {
	return &Worker{
		cfg:        cfg,
		m:          m,
		db:         db,
		vocabulary: vocabulary,
		loop:       loop,
		queue:      make(chan *slam.KeyFrame, cfg.QueueCapacity),
		stop:       make(chan struct{}),
		clock:      timeutil.RealClock{},
	}
}

// SetClock overrides the worker's clock, letting tests drive the
// RequestStop pause loop with a timeutil.MockClock instead of a real
// sleep.
func (w *Worker) SetClock(c timeutil.Clock) {
	w.clock = c
}

// Enqueue implements tracking.LocalMapper. It blocks if the queue is at
// capacity: unlike the teacher's packet forwarder, a dropped keyframe is
// unrecoverable map history, so backpressure goes to the caller instead
// of the floor.
func (w *Worker) Enqueue(kf *slam.KeyFrame) {
	w.queue <- kf
}

// AcceptsKeyframes implements tracking.LocalMapper.
func (w *Worker) AcceptsKeyframes() bool {
	return len(w.queue) < w.cfg.AcceptThreshold
}

// AbortBA implements tracking.LocalMapper: it signals whatever local
// bundle adjustment round is currently in flight to stop early.
func (w *Worker) AbortBA() {
	w.mu.Lock()
	sig := w.abortOf
	w.mu.Unlock()
	if sig != nil {
		sig.trigger()
	}
}

// Start runs the worker loop in a goroutine until ctx is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			default:
			}

			w.mu.Lock()
			paused := w.stopRequested
			w.mu.Unlock()
			if paused {
				w.clock.Sleep(pausePoll)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case kf := <-w.queue:
				w.mu.Lock()
				w.processing = true
				w.mu.Unlock()
				w.processKeyFrame(kf)
				w.mu.Lock()
				w.processing = false
				w.mu.Unlock()
			case <-w.clock.After(pausePoll):
			}
		}
	}()
}

// Stop requests the worker loop to exit after its current keyframe.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// RequestStop asks the worker loop to pause after its current keyframe
// and aborts any in-flight local bundle adjustment, giving LoopClosing
// exclusive access to the map while it applies a correction (spec.md
// §4.4.3 step 1, §5's stop_requested/is_stopped contract).
func (w *Worker) RequestStop() {
	w.mu.Lock()
	w.stopRequested = true
	w.mu.Unlock()
	w.AbortBA()
}

// IsStopped reports whether the loop has actually paused in response to
// a pending RequestStop (no keyframe mid-processing).
func (w *Worker) IsStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopRequested && !w.processing
}

// Release resumes the worker loop after a RequestStop.
func (w *Worker) Release() {
	w.mu.Lock()
	w.stopRequested = false
	w.mu.Unlock()
}

// processKeyFrame runs spec.md §4.3's per-keyframe cascade.
func (w *Worker) processKeyFrame(kf *slam.KeyFrame) {
	w.processNewKeyFrame(kf)
	w.mapPointCulling()
	w.createNewMapPoints(kf)
	w.searchInNeighbors(kf)
	if len(w.queue) == 0 {
		w.localBundleAdjustment(kf)
	}
	w.keyframeCulling(kf)
	if w.loop != nil {
		w.loop.Enqueue(kf)
	}
}

// processNewKeyFrame computes kf's BoW representation if Tracking hasn't
// already, indexes it in the database, and refreshes the descriptor and
// viewing geometry of every point it inherited from Tracking.
func (w *Worker) processNewKeyFrame(kf *slam.KeyFrame) {
	if kf.Bow() == nil {
		bow, fv := w.vocabulary.Transform(kf.FeatureSet)
		kf.SetBow(bow, fv)
	}
	kf.UpdateConnections(w.cfg.CovisibilityWeight)
	w.db.Add(kf)

	for _, mp := range kf.MapPoints() {
		mp.RecomputeDescriptor()
		mp.RecomputeNormalAndDepth()
		w.trackRecent(mp)
	}

	w.mu.Lock()
	w.kfCount++
	w.mu.Unlock()
}

// trackRecent adds mp to the recently-created watch list map_point_culling
// inspects on every subsequent keyframe.
func (w *Worker) trackRecent(mp *slam.MapPoint) {
	w.mu.Lock()
	w.recent = append(w.recent, recentPoint{mp: mp, bornAt: w.kfCount})
	w.mu.Unlock()
}

// mapPointCulling applies spec.md §4.3's map_point_culling rule: a
// recently created point that falls below the found-ratio floor is
// culled immediately; one that survives to CullAgeKeyframes but never
// accumulated enough observations is culled then; everything else drops
// off the watch list once it reaches that age, having proven itself.
func (w *Worker) mapPointCulling() {
	w.mu.Lock()
	recent := w.recent
	w.recent = nil
	kfCount := w.kfCount
	w.mu.Unlock()

	var keep []recentPoint
	for _, rp := range recent {
		mp := rp.mp
		if mp.IsBad() {
			continue
		}
		age := kfCount - rp.bornAt
		if mp.FoundRatio() < w.cfg.CullFoundRatio {
			monitoring.Logf("slam/localmap: culling map point %d: found ratio %.2f below %.2f", mp.ID(), mp.FoundRatio(), w.cfg.CullFoundRatio)
			mp.SetBad()
			continue
		}
		if age >= w.cfg.CullAgeKeyframes {
			if mp.NumObservations() <= w.cfg.CullMinObservations {
				monitoring.Logf("slam/localmap: culling map point %d: %d observations after %d keyframes, need > %d", mp.ID(), mp.NumObservations(), age, w.cfg.CullMinObservations)
				mp.SetBad()
			}
			continue
		}
		keep = append(keep, rp)
	}

	w.mu.Lock()
	w.recent = append(w.recent, keep...)
	w.mu.Unlock()
}

// createNewMapPoints implements spec.md §4.3's create_new_map_points:
// for each covisible neighbor, restrict candidate correspondences to
// unmatched keypoints sharing a BoW word and satisfying the epipolar
// constraint, triangulate by linear SVD, and keep only points that
// reproject acceptably into both originating views.
func (w *Worker) createNewMapPoints(kf *slam.KeyFrame) {
	for _, id := range kf.BestCovisible(w.cfg.TriangulationNeighbors) {
		neighbor := w.m.KeyFrame(id)
		if neighbor == nil || neighbor.IsBad() {
			continue
		}
		f := orbmatch.FundamentalMatrix(kf, neighbor)
		if f == nil {
			continue
		}
		matches := orbmatch.SearchForTriangulation(kf, neighbor, f, w.cfg.EpipolarThreshold)
		rejected := 0
		for _, match := range matches {
			if kf.MapPointAt(match.Idx1) != nil || neighbor.MapPointAt(match.Idx2) != nil {
				continue
			}
			kp1 := kf.KeypointAt(match.Idx1)
			kp2 := neighbor.KeypointAt(match.Idx2)
			world := orbmatch.Triangulate(kf, neighbor, kp1, kp2)
			if !w.isGoodTriangulation(kf, neighbor, world, kp1, kp2) {
				rejected++
				continue
			}
			mp := w.m.CreateMapPoint(world, kf, kf.DescriptorAt(match.Idx1))
			linkObservation(kf, match.Idx1, mp)
			linkObservation(neighbor, match.Idx2, mp)
			mp.RecomputeDescriptor()
			mp.RecomputeNormalAndDepth()
			w.trackRecent(mp)
		}
		if rejected > 0 {
			monitoring.Logf("slam/localmap: dropped %d/%d triangulation candidates kf=%d neighbor=%d: failed depth/reprojection check", rejected, len(matches), kf.ID(), neighbor.ID())
		}
	}
}

// isGoodTriangulation rejects degenerate solutions and points that
// reproject too far from either originating keypoint.
func (w *Worker) isGoodTriangulation(kf1, kf2 *slam.KeyFrame, world slam.Vec3, kp1, kp2 slam.KeyPoint) bool {
	if world == (slam.Vec3{}) {
		return false
	}
	checks := [2]struct {
		kf *slam.KeyFrame
		kp slam.KeyPoint
	}{{kf1, kp1}, {kf2, kp2}}
	for _, c := range checks {
		xc, ok := cameraSpace(c.kf.Pose(), world)
		if !ok {
			return false
		}
		u := c.kf.Calib.Fx*xc[0]/xc[2] + c.kf.Calib.Cx
		v := c.kf.Calib.Fy*xc[1]/xc[2] + c.kf.Calib.Cy
		sigma2 := c.kf.LevelSigma2(c.kp.Octave)
		du, dv := u-c.kp.X, v-c.kp.Y
		if du*du+dv*dv > w.cfg.ReprojectionThreshold*sigma2 {
			return false
		}
	}
	return true
}

// cameraSpace projects world into pose's camera frame, reporting ok=false
// if it falls behind the camera.
func cameraSpace(pose slam.Pose, world slam.Vec3) (slam.Vec3, bool) {
	rcw := pose.Rcw
	var xc slam.Vec3
	for i := 0; i < 3; i++ {
		xc[i] = rcw.At(i, 0)*world[0] + rcw.At(i, 1)*world[1] + rcw.At(i, 2)*world[2] + pose.Tcw3[i]
	}
	if xc[2] <= 0 {
		return slam.Vec3{}, false
	}
	return xc, true
}

// linkObservation records a two-way observation edge: kf gains mp at
// keypoint idx, and mp gains kf as an observer.
func linkObservation(kf *slam.KeyFrame, idx int, mp *slam.MapPoint) {
	kf.SetMapPointAt(idx, mp)
	mp.AddObservation(kf, idx)
}

// searchInNeighbors implements spec.md §4.3's search_in_neighbors:
// project kf's points into every covisible neighbor and vice versa,
// fusing duplicate observations onto the point with more observations, then
// refresh kf's covisibility links now that its point set has grown.
func (w *Worker) searchInNeighbors(kf *slam.KeyFrame) {
	var neighbors []*slam.KeyFrame
	for _, id := range kf.BestCovisible(w.cfg.FuseNeighbors) {
		if n := w.m.KeyFrame(id); n != nil && !n.IsBad() {
			neighbors = append(neighbors, n)
		}
	}
	if len(neighbors) == 0 {
		return
	}

	ownPoints := kf.MapPoints()
	for _, n := range neighbors {
		orbmatch.Fuse(n, ownPoints, w.cfg.FuseRadius)
	}

	seen := make(map[int64]bool)
	var fusion []*slam.MapPoint
	for _, n := range neighbors {
		for _, mp := range n.MapPoints() {
			if !seen[mp.ID()] {
				seen[mp.ID()] = true
				fusion = append(fusion, mp)
			}
		}
	}
	orbmatch.Fuse(kf, fusion, w.cfg.FuseRadius)
	kf.UpdateConnections(w.cfg.CovisibilityWeight)
}

// localBundleAdjustment implements spec.md §4.3's local_bundle_adjustment:
// optimize kf and its covisible neighbors' poses, plus every point they
// collectively observe, with AbortBA able to cut a round short.
func (w *Worker) localBundleAdjustment(kf *slam.KeyFrame) {
	sig := newAbortSignal()
	w.mu.Lock()
	w.abortOf = sig
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.abortOf == sig {
			w.abortOf = nil
		}
		w.mu.Unlock()
	}()

	seen := map[int64]bool{kf.ID(): true}
	kfs := []*slam.KeyFrame{kf}
	for _, id := range kf.AllCovisibles() {
		if seen[id] {
			continue
		}
		if n := w.m.KeyFrame(id); n != nil && !n.IsBad() {
			seen[id] = true
			kfs = append(kfs, n)
		}
	}

	pointSet := make(map[int64]*slam.MapPoint)
	for _, k := range kfs {
		for _, mp := range k.MapPoints() {
			pointSet[mp.ID()] = mp
		}
	}
	points := make([]*slam.MapPoint, 0, len(pointSet))
	for _, mp := range pointSet {
		points = append(points, mp)
	}

	optimize.LocalBundleAdjustment(w.m, kfs, points, w.cfg.BARounds, sig.ch)
}

// keyframeCulling implements spec.md §4.3's keyframe_culling: a
// covisible neighbor of kf is erased if at least RedundancyRatio of its
// points are each observed by RedundantObserverCount or more other
// keyframes, meaning it contributes no unique map coverage.
func (w *Worker) keyframeCulling(kf *slam.KeyFrame) {
	for _, id := range kf.AllCovisibles() {
		n := w.m.KeyFrame(id)
		if n == nil || n.IsBad() || n.IsOrigin() {
			continue
		}
		points := n.MapPoints()
		if len(points) < w.cfg.MinPointsForCulling {
			continue
		}

		redundant := 0
		for _, mp := range points {
			others := 0
			for observerID := range mp.Observations() {
				if observerID == n.ID() {
					continue
				}
				others++
			}
			if others >= w.cfg.RedundantObserverCount {
				redundant++
			}
		}
		if float64(redundant)/float64(len(points)) >= w.cfg.RedundancyRatio {
			w.db.Erase(n)
			n.SetBad()
		}
	}
}
