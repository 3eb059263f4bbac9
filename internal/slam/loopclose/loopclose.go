// Package loopclose implements the third of spec.md §5's three
// concurrent pipelines: a FIFO worker that drains keyframes handed off
// by LocalMapping, detects revisited places via BoW similarity,
// estimates a Sim3 alignment to the loop partner, and propagates the
// correction through the essential graph before spawning a detached
// global bundle adjustment (spec.md §4.4). It implements the
// localmap.LoopCloser interface without the localmap package ever
// importing this one, the same one-way coupling tracking.LocalMapper
// and localmap.LoopCloser already establish between their neighbors.
package loopclose

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/optimize"
	"github.com/banshee-data/slam/internal/slam/orbmatch"
	"github.com/banshee-data/slam/internal/slam/vocab"
	"github.com/banshee-data/slam/internal/timeutil"
)

// pausePoll mirrors localmap's suspension-point granularity (spec.md §5).
const pausePoll = 3 * time.Millisecond

// LocalMapper is the control surface LoopClosing needs over LocalMapping
// while it applies a correction: pause it, confirm it has paused, then
// release it. localmap.Worker implements this without either package
// importing the other's types beyond this interface.
type LocalMapper interface {
	RequestStop()
	IsStopped() bool
	Release()
}

// Config holds LoopClosing's tunable thresholds, sourced from spec.md
// §4.4's named constants.
type Config struct {
	// QueueCapacity bounds the keyframe backlog before Enqueue blocks.
	QueueCapacity int

	// MinLoopIDGap is how many keyframe ids must separate a candidate
	// loop from the last accepted one (detect_loop's id < last+10 skip).
	MinLoopIDGap int64

	// MinCommonWords is the floor DetectLoopCandidates uses before a
	// candidate is even scored.
	MinCommonWords int

	// GroupScoreRatio is the fraction of the best candidate group's score
	// a group must reach to stay in contention.
	GroupScoreRatio float64

	// ConsistencyThreshold is how many consecutive iterations a
	// candidate group must recur across before it is accepted.
	ConsistencyThreshold int

	// MinSim3Matches is the minimum BoW match count required before a
	// Sim3 is even attempted against a candidate.
	MinSim3Matches int

	// MinSim3Inliers is the minimum number of BoW matches between live
	// (non-bad) map points a candidate needs for its Sim3 to be estimated
	// and accepted. No inlier count of the estimated or refined Sim3 is
	// computed against it.
	MinSim3Inliers int

	// Sim3Iterations is how many Gauss-Newton passes RefineSim3 runs.
	Sim3Iterations int

	// EssentialHighWeight is the covisibility-weight floor BuildEssentialGraph
	// uses to decide which covisibility edges join the essential graph.
	EssentialHighWeight int

	// EssentialRounds is how many relaxation rounds PropagateLoopCorrection runs.
	EssentialRounds int

	// GlobalBARounds is how many rounds the detached global BA runs.
	GlobalBARounds int

	// FuseRadius is the projection search radius orbmatch.Fuse uses when
	// merging loop-side map points into corrected keyframes.
	FuseRadius float64
}

// DefaultConfig returns spec.md §4.4's named thresholds.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:        64,
		MinLoopIDGap:         10,
		MinCommonWords:       5,
		GroupScoreRatio:      0.75,
		ConsistencyThreshold: 3,
		MinSim3Matches:       20,
		MinSim3Inliers:       20,
		Sim3Iterations:       10,
		EssentialHighWeight:  100,
		EssentialRounds:      20,
		GlobalBARounds:       10,
		FuseRadius:           3.0,
	}
}

// consistencyGroup is one candidate cluster tracked across iterations
// (spec.md §4.4.1's mvConsistentGroups).
type consistencyGroup struct {
	members map[int64]bool
	streak  int
}

// Worker is LoopClosing's single-goroutine consumer of LocalMapping's
// keyframe queue.
type Worker struct {
	cfg        Config
	m          *slam.Map
	db         *slam.KeyFrameDatabase
	vocabulary *vocab.Vocabulary
	localMap   LocalMapper

	queue    chan *slam.KeyFrame
	stop     chan struct{}
	stopOnce sync.Once
	clock    timeutil.Clock

	mu         sync.Mutex
	groups     []consistencyGroup
	lastLoopID int64
	haveLastID bool
	gbaCancel  func()
	gbaRunning bool
}

// New constructs a LoopClosing worker. localMap may be nil in tests that
// never exercise correct_loop's pause/release handshake.
func New(cfg Config, m *slam.Map, db *slam.KeyFrameDatabase, vocabulary *vocab.Vocabulary, localMap LocalMapper) *Worker {
	return &Worker{
		cfg:        cfg,
		m:          m,
		db:         db,
		vocabulary: vocabulary,
		localMap:   localMap,
		queue:      make(chan *slam.KeyFrame, cfg.QueueCapacity),
		stop:       make(chan struct{}),
		clock:      timeutil.RealClock{},
	}
}

// SetClock overrides the worker's clock, letting tests drive
// waitStopped's and cancelGlobalBA's bounded polls with a
// timeutil.MockClock instead of a real sleep.
func (w *Worker) SetClock(c timeutil.Clock) {
	w.clock = c
}

// Enqueue implements localmap.LoopCloser. It blocks if the queue is at
// capacity, for the same reason localmap.Worker.Enqueue does: a keyframe
// lost here is unrecoverable loop-closure opportunity.
func (w *Worker) Enqueue(kf *slam.KeyFrame) {
	w.queue <- kf
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
			case kf := <-w.queue:
				w.processKeyFrame(ctx, kf)
			case <-w.clock.After(pausePoll):
			}
		}
	}()
}

// Stop requests the worker loop to exit after its current keyframe.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// processKeyFrame runs spec.md §4.4's per-keyframe cascade: detect,
// compute Sim3, and, on acceptance, correct the loop.
func (w *Worker) processKeyFrame(ctx context.Context, kf *slam.KeyFrame) {
	groups, accepted := w.detectLoop(kf)

	w.mu.Lock()
	w.groups = groups
	w.mu.Unlock()

	if len(accepted) == 0 {
		return
	}

	for _, candidate := range accepted {
		result, ok := w.computeSim3(kf, candidate)
		if !ok {
			continue
		}
		w.correctLoop(ctx, kf, candidate, result)
		w.mu.Lock()
		w.lastLoopID = kf.ID()
		w.haveLastID = true
		w.mu.Unlock()
		return
	}
}

// detectLoop implements spec.md §4.4.1: gather BoW candidates excluding
// K's own covisibility neighborhood, group them by mutual covisibility,
// keep groups within GroupScoreRatio of the best, and accept only groups
// that have recurred for ConsistencyThreshold consecutive keyframes.
func (w *Worker) detectLoop(kf *slam.KeyFrame) ([]consistencyGroup, []*slam.KeyFrame) {
	w.mu.Lock()
	lastID, haveLast := w.lastLoopID, w.haveLastID
	prevGroups := w.groups
	w.mu.Unlock()

	if haveLast && kf.ID() < lastID+w.cfg.MinLoopIDGap {
		return prevGroups, nil
	}
	if kf.Bow() == nil {
		return prevGroups, nil
	}

	candidates := w.db.DetectLoopCandidates(kf, w.cfg.MinCommonWords)
	if len(candidates) == 0 {
		return nil, nil
	}

	bestScore := 0.0
	scores := make(map[int64]float64, len(candidates))
	for _, c := range candidates {
		s := kf.Bow().Score(c.Bow())
		scores[c.ID()] = s
		if s > bestScore {
			bestScore = s
		}
	}
	if bestScore <= 0 {
		return nil, nil
	}

	var surviving []*slam.KeyFrame
	for _, c := range candidates {
		if scores[c.ID()] >= w.cfg.GroupScoreRatio*bestScore {
			surviving = append(surviving, c)
		}
	}

	newGroups := make([]consistencyGroup, 0, len(surviving))
	var accepted []*slam.KeyFrame
	usedPrev := make([]bool, len(prevGroups))
	for _, c := range surviving {
		members := map[int64]bool{c.ID(): true}
		for _, n := range c.AllCovisibles() {
			members[n] = true
		}

		streak := 1
		for i, prev := range prevGroups {
			if usedPrev[i] {
				continue
			}
			if sharesMember(members, prev.members) {
				streak = prev.streak + 1
				usedPrev[i] = true
				break
			}
		}

		group := consistencyGroup{members: members, streak: streak}
		newGroups = append(newGroups, group)
		if streak >= w.cfg.ConsistencyThreshold {
			accepted = append(accepted, c)
		}
	}
	return newGroups, accepted
}

// currentSim3 packs a keyframe's current pose into a scale-1 Sim3, the
// absolute-pose currency PropagateLoopCorrection's anchors are given in.
func currentSim3(kf *slam.KeyFrame) optimize.Sim3 {
	pose := kf.Pose()
	r := mat.NewDense(3, 3, nil)
	r.Copy(pose.Rcw)
	return optimize.Sim3{R: r, T: pose.Tcw3, S: 1}
}

func sharesMember(a, b map[int64]bool) bool {
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}

// bowMatchMapPoints matches keypoints that already own a map point on
// both sides, restricted to pairs sharing a vocabulary node (spec.md
// §4.4.2's "BoW-match K <-> KF'"). orbmatch.SearchByBoW instead matches
// *unassociated* keypoints, the contract create_new_map_points needs;
// compute_sim3 needs the opposite, since its correspondences must carry
// existing 3D positions to estimate a similarity transform from.
func bowMatchMapPoints(kf1, kf2 *slam.KeyFrame) []orbmatch.Match {
	fv1, fv2 := kf1.FeatureVec(), kf2.FeatureVec()
	used2 := make(map[int]bool)
	var matches []orbmatch.Match

	for word, idxs1 := range fv1 {
		idxs2, ok := fv2[word]
		if !ok {
			continue
		}
		for _, i1 := range idxs1 {
			if kf1.MapPointAt(i1) == nil {
				continue
			}
			bestDist, best, secondDist := -1, -1, -1
			for _, i2 := range idxs2 {
				if used2[i2] || kf2.MapPointAt(i2) == nil {
					continue
				}
				dist := slam.HammingDistance(kf1.DescriptorAt(i1), kf2.DescriptorAt(i2))
				if bestDist == -1 || dist < bestDist {
					secondDist = bestDist
					bestDist = dist
					best = i2
				} else if secondDist == -1 || dist < secondDist {
					secondDist = dist
				}
			}
			if best == -1 || bestDist > slam.LowThreshold {
				continue
			}
			if secondDist != -1 && !orbmatch.RatioTest(bestDist, secondDist, orbmatch.DefaultRatio) {
				continue
			}
			matches = append(matches, orbmatch.Match{Idx1: i1, Idx2: best, Distance: bestDist})
			used2[best] = true
		}
	}
	return matches
}

// sim3Result bundles compute_sim3's output for correct_loop.
type sim3Result struct {
	transform optimize.Sim3
	matches   []orbmatch.Match
}

// computeSim3 implements spec.md §4.4.2: BoW-match K against the
// candidate, triangulate a closed-form Sim3 from the shared map-point
// correspondences, refine it with a few Gauss-Newton passes, and accept
// it when at least MinSim3Inliers correspondences between live map points
// exist. The refined Sim3 is not checked against the correspondences.
func (w *Worker) computeSim3(kf, candidate *slam.KeyFrame) (sim3Result, bool) {
	matches := bowMatchMapPoints(kf, candidate)
	if len(matches) < w.cfg.MinSim3Matches {
		return sim3Result{}, false
	}

	var corr []optimize.Correspondence
	var kept []orbmatch.Match
	for _, match := range matches {
		mp1 := kf.MapPointAt(match.Idx1)
		mp2 := candidate.MapPointAt(match.Idx2)
		if mp1 == nil || mp2 == nil || mp1.IsBad() || mp2.IsBad() {
			continue
		}
		corr = append(corr, optimize.Correspondence{X: mp2.Position(), Y: mp1.Position()})
		kept = append(kept, match)
	}
	if len(corr) < w.cfg.MinSim3Inliers {
		return sim3Result{}, false
	}

	est, ok := optimize.EstimateSim3(corr, true)
	if !ok {
		return sim3Result{}, false
	}
	refined := optimize.RefineSim3(corr, est, true, w.cfg.Sim3Iterations)

	if len(kept) < w.cfg.MinSim3Inliers {
		return sim3Result{}, false
	}
	monitoring.Logf("slam/loopclose: accepted Sim3 candidate kf=%d partner=%d matches=%d", kf.ID(), candidate.ID(), len(kept))
	return sim3Result{transform: refined, matches: kept}, true
}

// correctLoop implements spec.md §4.4.3: pause LocalMapping, propagate
// the accepted Sim3 through the essential graph, fuse loop-side map
// points, add the new loop edge, release LocalMapping, and spawn a
// detached global bundle adjustment.
func (w *Worker) correctLoop(ctx context.Context, kf, partner *slam.KeyFrame, result sim3Result) {
	if w.localMap != nil {
		w.localMap.RequestStop()
		w.waitStopped()
	}
	w.cancelGlobalBA()

	kf.UpdateConnections(15)

	edges := optimize.BuildEssentialGraph(w.m, w.cfg.EssentialHighWeight)

	// The loop partner anchors the graph (its region of the map is
	// presumed accurate); kf's own drifted region is pulled into the
	// partner's frame by the inverse of the estimated correspondence
	// transform (spec.md §4.4.3 step 2's S_Nw = S_Nk . S_KK' . S_Kw_old,
	// specialized to K itself).
	corrected := map[int64]optimize.Sim3{
		partner.ID(): currentSim3(partner),
		kf.ID():      result.transform.Inverse().Compose(currentSim3(kf)),
	}
	estimate := optimize.PropagateLoopCorrection(w.m, edges, corrected, w.cfg.EssentialRounds)
	optimize.ApplyCorrectedPoses(w.m, estimate)

	w.fuseLoopMapPoints(kf, partner)

	kf.AddLoopEdge(partner)
	partner.AddLoopEdge(kf)
	kf.UpdateConnections(15)
	partner.UpdateConnections(15)

	if w.localMap != nil {
		w.localMap.Release()
	}

	w.spawnGlobalBA(ctx)
}

// waitStopped bounded-polls localMap.IsStopped, the is_stopped contract
// of spec.md §5.
func (w *Worker) waitStopped() {
	for i := 0; i < 1000; i++ {
		if w.localMap.IsStopped() {
			return
		}
		w.clock.Sleep(pausePoll)
	}
}

// fuseLoopMapPoints implements spec.md §4.4.3 step 5: project the loop
// partner's covisible map points into kf and its covisible set, merging
// duplicate observations onto the point with more observations.
func (w *Worker) fuseLoopMapPoints(kf, partner *slam.KeyFrame) {
	seen := map[int64]bool{}
	var loopPoints []*slam.MapPoint
	for _, mp := range partner.MapPoints() {
		if !seen[mp.ID()] {
			seen[mp.ID()] = true
			loopPoints = append(loopPoints, mp)
		}
	}
	for _, id := range partner.BestCovisible(20) {
		n := w.m.KeyFrame(id)
		if n == nil || n.IsBad() {
			continue
		}
		for _, mp := range n.MapPoints() {
			if !seen[mp.ID()] {
				seen[mp.ID()] = true
				loopPoints = append(loopPoints, mp)
			}
		}
	}
	if len(loopPoints) == 0 {
		return
	}

	orbmatch.Fuse(kf, loopPoints, w.cfg.FuseRadius)
	for _, id := range kf.AllCovisibles() {
		n := w.m.KeyFrame(id)
		if n == nil || n.IsBad() {
			continue
		}
		orbmatch.Fuse(n, loopPoints, w.cfg.FuseRadius)
	}
}

// spawnGlobalBA implements spec.md §4.4.4: runs global bundle adjustment
// on a detached goroutine, cancelable by a subsequent loop closure.
func (w *Worker) spawnGlobalBA(ctx context.Context) {
	abort := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(abort) }) }

	w.mu.Lock()
	w.gbaCancel = cancel
	w.gbaRunning = true
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.gbaRunning = false
			w.mu.Unlock()
		}()
		done := make(chan struct{})
		go func() {
			optimize.GlobalBundleAdjustment(w.m, w.cfg.GlobalBARounds, abort)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			cancel()
			<-done
		}
	}()
}

// cancelGlobalBA implements spec.md §5's stop_gba: abort any running
// global BA and wait for it to exit before a new correction proceeds.
func (w *Worker) cancelGlobalBA() {
	w.mu.Lock()
	cancel := w.gbaCancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for i := 0; i < 1000; i++ {
		w.mu.Lock()
		running := w.gbaRunning
		w.mu.Unlock()
		if !running {
			return
		}
		w.clock.Sleep(pausePoll)
	}
}
