// Package tracking implements the per-frame pose-estimation pipeline of
// spec.md §4.2: the NO_IMAGES_YET/NOT_INITIALIZED/OK/LOST state machine,
// motion-model and reference-keyframe tracking, local-map tracking,
// keyframe insertion policy, and BoW-driven relocalization. It is the
// first of the three concurrent pipelines spec.md §5 describes; the
// other two (LocalMapping, LoopClosing) are reached only through the
// LocalMapper interface defined here, the same decoupling the teacher's
// dual_pipeline.go uses between its ingest and fusion stages.
package tracking

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/initmap"
	"github.com/banshee-data/slam/internal/slam/optimize"
	"github.com/banshee-data/slam/internal/slam/orbmatch"
	"github.com/banshee-data/slam/internal/slam/vocab"
)

// State is the Tracking state machine of spec.md §4.2.
type State int

const (
	NoImagesYet State = iota
	NotInitialized
	OK
	Lost
)

func (s State) String() string {
	switch s {
	case NoImagesYet:
		return "NO_IMAGES_YET"
	case NotInitialized:
		return "NOT_INITIALIZED"
	case OK:
		return "OK"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// LocalMapper is the surface Tracking depends on to hand off new
// keyframes, the only coupling between this package and LocalMapping
// (spec.md §5's FIFO keyframe queue). Tracking never imports the
// localmap package directly; localmap's worker implements this
// interface instead, mirroring the teacher's channel-based
// stage-forwarding between its ingest and fusion goroutines.
type LocalMapper interface {
	// Enqueue hands a freshly promoted keyframe to LocalMapping.
	Enqueue(kf *slam.KeyFrame)

	// AcceptsKeyframes reports whether LocalMapping's queue is short
	// enough to accept another keyframe right now (spec.md §4.2.4's
	// "LocalMapping queue-short" condition).
	AcceptsKeyframes() bool

	// AbortBA requests that any in-flight local bundle adjustment stop
	// as soon as it can, used when a new keyframe must be inserted
	// immediately (spec.md §4.3's abort_ba).
	AbortBA()
}

// Config holds Tracking's tunable thresholds, all sourced from spec.md
// §4.2's named constants.
type Config struct {
	InitRANSAC initmap.Config

	MotionWindow      float64
	MotionWindowRetry float64
	MinInliersMotion  int

	MinInliersRefKF      int
	MinSharedWordsRefKF  int

	LocalMapBudget            int
	MinTrackedLocal           int
	MinTrackedLocalAfterReloc int

	MinFramesBetweenKeyframes int
	MaxFramesBetweenKeyframes int
	MinTrackedForNewKeyframe  int
	RefRatioForNewKeyframe    float64

	RelocMinSharedWords int
	RelocMinInliers     int
}

// DefaultConfig matches the thresholds spec.md §4.2 names explicitly.
func DefaultConfig() Config {
	return Config{
		InitRANSAC: initmap.DefaultConfig(),

		MotionWindow:      15,
		MotionWindowRetry: 30,
		MinInliersMotion:  10,

		MinInliersRefKF:     10,
		MinSharedWordsRefKF: 15,

		LocalMapBudget:            80,
		MinTrackedLocal:           30,
		MinTrackedLocalAfterReloc: 50,

		MinFramesBetweenKeyframes: 0,
		MaxFramesBetweenKeyframes: 30,
		MinTrackedForNewKeyframe:  50,
		RefRatioForNewKeyframe:    0.9,

		RelocMinSharedWords: 15,
		RelocMinInliers:     8,
	}
}

// Tracker runs the per-frame tracking pipeline against a shared Map. It
// is driven by a single goroutine (the camera ingest loop); ProcessFrame
// is not safe to call concurrently with itself, matching the teacher's
// single-owner Tracker in internal/lidar/tracking.go.
type Tracker struct {
	mu sync.Mutex

	cfg   Config
	calib slam.Calibration

	m     *slam.Map
	db    *slam.KeyFrameDatabase
	vocab *vocab.Vocabulary
	lm    LocalMapper

	state State

	initializer *initmap.Initializer

	lastFrame        *slam.Frame
	referenceKF      *slam.KeyFrame
	velocity         slam.Pose
	hasVelocity      bool
	framesSinceKF    int
	justRelocalized  bool
	localizationOnly bool
	frameSeq         int64
}

// New returns a Tracker in the NO_IMAGES_YET state.
func New(cfg Config, m *slam.Map, db *slam.KeyFrameDatabase, vocabulary *vocab.Vocabulary, calib slam.Calibration, lm LocalMapper) *Tracker {
	return &Tracker{
		cfg:   cfg,
		calib: calib,
		m:     m,
		db:    db,
		vocab: vocabulary,
		lm:    lm,
		state: NoImagesYet,
	}
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ActivateLocalizationMode stops Tracking from inserting new keyframes
// (spec.md §6 control surface). Tracking and relocalization run as
// before, and LocalMapping itself is not paused.
func (t *Tracker) ActivateLocalizationMode() {
	t.mu.Lock()
	t.localizationOnly = true
	t.mu.Unlock()
}

// DeactivateLocalizationMode resumes normal mapping.
func (t *Tracker) DeactivateLocalizationMode() {
	t.mu.Lock()
	t.localizationOnly = false
	t.mu.Unlock()
}

// Reset drops all tracking state and returns the tracker to
// NO_IMAGES_YET, ready to reinitialize against a fresh map (spec.md §6).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = NoImagesYet
	t.initializer = nil
	t.lastFrame = nil
	t.referenceKF = nil
	t.hasVelocity = false
	t.framesSinceKF = 0
	t.justRelocalized = false
}

// CurrentPose returns the most recently tracked camera pose, or false if
// tracking has not yet produced one (spec.md §6 pose query).
func (t *Tracker) CurrentPose() (slam.Pose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastFrame == nil || !t.lastFrame.HasPose() {
		return slam.Pose{}, false
	}
	return t.lastFrame.Pose(), true
}

// ProcessFrame runs one iteration of the tracking pipeline against a
// freshly extracted FeatureSet and returns the frame's estimated pose
// and whether tracking succeeded (spec.md §4.2's top-level dispatch).
func (t *Tracker) ProcessFrame(fs slam.FeatureSet, ts time.Time) (slam.Pose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := slam.NewFrame(t.frameSeq, ts, fs, t.referenceKF)
	cur.BuildGrid()
	t.frameSeq++

	bow, featVec := t.vocab.Transform(fs)
	cur.SetBow(bow, featVec)

	switch t.state {
	case NoImagesYet, NotInitialized:
		t.trackInitialization(cur)
		if t.state != OK {
			return slam.Pose{}, false
		}
	case OK:
		ok := t.trackFrame(cur)
		if !ok {
			monitoring.Logf("slam/tracking: OK -> LOST (frame %d): motion model and reference-keyframe tracking both failed", cur.ID())
			t.state = Lost
			return slam.Pose{}, false
		}
	case Lost:
		ok := t.relocalize(cur)
		if !ok {
			return slam.Pose{}, false
		}
		monitoring.Logf("slam/tracking: LOST -> OK (frame %d): relocalized against keyframe %d", cur.ID(), t.referenceKF.ID())
		t.state = OK
		t.justRelocalized = true
	}

	if !t.trackLocalMap(cur) {
		monitoring.Logf("slam/tracking: OK -> LOST (frame %d): local map tracking fell below the required inlier count", cur.ID())
		t.state = Lost
		return slam.Pose{}, false
	}

	t.maybeInsertKeyframe(cur)

	t.updateVelocity(cur)
	t.lastFrame = cur
	t.justRelocalized = false
	t.framesSinceKF++

	return cur.Pose(), true
}

// trackInitialization runs spec.md §4.5's two-view initializer: the
// first frame seen only arms the reference, every later frame is an
// Attempt against it until a reconstruction succeeds.
func (t *Tracker) trackInitialization(cur *slam.Frame) {
	if t.state == NoImagesYet {
		t.initializer = initmap.New(t.cfg.InitRANSAC, cur)
		t.state = NotInitialized
		return
	}

	result, ok := t.initializer.Attempt(cur, t.calib)
	if !ok {
		// Attempt rearms internally on a too-thin match; stay NOT_INITIALIZED.
		return
	}
	t.finishInitialization(t.initializer.Ref(), cur, result)
}

// finishInitialization promotes the reference and current frames to the
// map's first two keyframes, creates one MapPoint per triangulated
// correspondence, and runs a full bundle adjustment before tracking
// proper begins (spec.md §4.5 step 6, §4.2's precondition that Tracking
// never reaches OK without a populated local map).
func (t *Tracker) finishInitialization(ref, cur *slam.Frame, result *initmap.Result) {
	refPose := slam.IdentityPose()
	refKF := t.m.CreateKeyFrame(ref, refPose)
	refKF.SetOrigin()

	curTcw := composeRt(result.R, result.T)
	curKF := t.m.CreateKeyFrame(cur, slam.PoseFromTcw(curTcw))
	curKF.ChangeParent(refKF)

	for i, ok := range result.Triangulated {
		if !ok {
			continue
		}
		refIdx, curIdx := result.RefIdx[i], result.CurIdx[i]
		mp := t.m.CreateMapPoint(result.Points[i], refKF, refKF.DescriptorAt(refIdx))
		linkObservation(refKF, refIdx, mp)
		linkObservation(curKF, curIdx, mp)
		cur.MapPoints[curIdx] = mp
		mp.RecomputeDescriptor()
		mp.RecomputeNormalAndDepth()
	}

	refKF.UpdateConnections(15)
	curKF.UpdateConnections(15)

	abort := make(chan struct{})
	optimize.GlobalBundleAdjustment(t.m, 2, abort)

	// BoW computation and database indexing happen asynchronously in
	// LocalMapping's process_new_keyframe step, not here.
	t.lm.Enqueue(refKF)
	t.lm.Enqueue(curKF)

	t.referenceKF = curKF
	t.lastFrame = cur
	cur.SetPose(curTcw)
	t.framesSinceKF = 0
	t.state = OK
}

// linkObservation records the two-way MapPoint/KeyFrame observation
// link spec.md §3.2 requires be kept consistent on both sides (mirrors
// the teacher's paired radar/track association bookkeeping).
func linkObservation(kf *slam.KeyFrame, idx int, mp *slam.MapPoint) {
	kf.SetMapPointAt(idx, mp)
	mp.AddObservation(kf, idx)
}

// composeRt packs a relative rotation/translation into a 4x4 Tcw matrix.
func composeRt(r *mat.Dense, t slam.Vec3) *mat.Dense {
	tcw := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tcw.Set(i, j, r.At(i, j))
		}
		tcw.Set(i, 3, t[i])
	}
	tcw.Set(3, 3, 1)
	return tcw
}

// trackFrame runs the OK-state tracking cascade: motion model first,
// falling back to reference-keyframe BoW matching (spec.md §4.2.1,
// §4.2.2).
func (t *Tracker) trackFrame(cur *slam.Frame) bool {
	if t.trackWithMotionModel(cur) {
		return true
	}
	return t.trackWithReferenceKeyFrame(cur)
}

// trackWithMotionModel predicts cur's pose from the last frame's
// velocity, projects the last frame's matched points at th=15px, retries
// at th=30px if that falls short of 20 matches, then refines the pose
// (spec.md §4.2.1).
func (t *Tracker) trackWithMotionModel(cur *slam.Frame) bool {
	if !t.hasVelocity || t.lastFrame == nil || !t.lastFrame.HasPose() {
		return false
	}

	predicted := mat.NewDense(4, 4, nil)
	predicted.Mul(t.velocity.Tcw, t.lastFrame.Pose().Tcw)
	cur.SetPose(predicted)

	var candidates []*slam.MapPoint
	for _, mp := range t.lastFrame.MapPoints {
		if mp != nil && !mp.IsBad() {
			candidates = append(candidates, mp)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	n := orbmatch.SearchByProjection(cur, candidates, t.cfg.MotionWindow)
	if n < 20 {
		n += orbmatch.SearchByProjection(cur, candidates, t.cfg.MotionWindowRetry)
	}
	if n < 20 {
		monitoring.Logf("slam/tracking: dropping frame %d from motion-model tracking: only %d projected matches, need 20", cur.ID(), n)
		return false
	}

	optimize.PoseOnlyOptimize(cur)
	return cur.NumMatches() >= t.cfg.MinInliersMotion
}

// trackWithReferenceKeyFrame matches cur against the current reference
// keyframe restricted to shared BoW vocabulary words, then refines the
// pose starting from the last known pose (spec.md §4.2.2, used when the
// motion model has no velocity yet or loses too many matches).
func (t *Tracker) trackWithReferenceKeyFrame(cur *slam.Frame) bool {
	if t.referenceKF == nil {
		return false
	}

	n := searchByBoWFrame(t.referenceKF, cur)
	if n < t.cfg.MinSharedWordsRefKF {
		monitoring.Logf("slam/tracking: dropping frame %d from reference-keyframe tracking: %d shared words against kf=%d, need %d", cur.ID(), n, t.referenceKF.ID(), t.cfg.MinSharedWordsRefKF)
		return false
	}

	if t.lastFrame != nil && t.lastFrame.HasPose() {
		cur.SetPose(t.lastFrame.Pose().Tcw)
	} else {
		cur.SetPose(t.referenceKF.Pose().Tcw)
	}

	optimize.PoseOnlyOptimize(cur)
	return cur.NumMatches() >= t.cfg.MinInliersRefKF
}

// searchByBoWFrame is SearchByBoW's Frame-target variant: cur is not yet
// a KeyFrame during OK-state tracking, so it cannot reuse
// orbmatch.SearchByBoW directly. It applies the same shared-vocabulary
// word iteration, Hamming distance and ratio test; unlike SearchByBoW it
// skips the orientation-histogram consistency filter, since a frame
// still being tracked (as opposed to an already-accepted keyframe) is
// re-matched every cycle and an occasional rotation-inconsistent match
// gets cleaned up by the very next pose-only optimization pass.
func searchByBoWFrame(kf *slam.KeyFrame, cur *slam.Frame) int {
	kfv := kf.FeatureVec()
	curv := cur.FeatureVec()
	matched := 0

	for word, idxs1 := range kfv {
		idxs2, ok := curv[word]
		if !ok {
			continue
		}
		for _, i1 := range idxs1 {
			mp := kf.MapPointAt(i1)
			if mp == nil || mp.IsBad() {
				continue
			}
			bestDist, best, secondDist := -1, -1, -1
			for _, i2 := range idxs2 {
				if cur.MapPoints[i2] != nil {
					continue
				}
				d := slam.HammingDistance(mp.Descriptor(), cur.Descriptors[i2])
				if bestDist == -1 || d < bestDist {
					secondDist = bestDist
					bestDist = d
					best = i2
				} else if secondDist == -1 || d < secondDist {
					secondDist = d
				}
			}
			if best == -1 || bestDist > slam.LowThreshold {
				continue
			}
			if secondDist != -1 && !orbmatch.RatioTest(bestDist, secondDist, orbmatch.DefaultRatio) {
				continue
			}
			cur.MapPoints[best] = mp
			matched++
		}
	}
	return matched
}

// trackLocalMap expands the match set against the local map (the
// covisibility neighborhood of every keyframe already matched, budgeted
// to 80 keyframes) and re-optimizes the pose (spec.md §4.2.3). It
// succeeds at >=30 matches normally, or >=50 right after relocalization.
func (t *Tracker) trackLocalMap(cur *slam.Frame) bool {
	localKFs := t.gatherLocalKeyFrames(cur)
	localPoints := gatherLocalMapPoints(localKFs, cur)

	if len(localPoints) > 0 {
		orbmatch.SearchByProjection(cur, localPoints, 4.0)
		optimize.PoseOnlyOptimize(cur)
	}

	for _, mp := range cur.MapPoints {
		if mp != nil {
			mp.IncrementVisible(1)
		}
	}

	required := t.cfg.MinTrackedLocal
	if t.justRelocalized {
		required = t.cfg.MinTrackedLocalAfterReloc
	}
	return cur.NumMatches() >= required
}

// gatherLocalKeyFrames collects every keyframe observing one of cur's
// current matches, plus each one's top-10 covisible neighbors and its
// spanning-tree parent/children, capped at the configured budget
// (spec.md §4.2.3).
func (t *Tracker) gatherLocalKeyFrames(cur *slam.Frame) []*slam.KeyFrame {
	seen := make(map[int64]bool)
	var out []*slam.KeyFrame
	budget := t.cfg.LocalMapBudget

	add := func(kf *slam.KeyFrame) {
		if kf == nil || kf.IsBad() || seen[kf.ID()] || len(out) >= budget {
			return
		}
		seen[kf.ID()] = true
		out = append(out, kf)
	}

	for _, mp := range cur.MapPoints {
		if mp == nil || mp.IsBad() {
			continue
		}
		for kfID := range mp.Observations() {
			add(t.m.KeyFrame(kfID))
		}
	}

	first := append([]*slam.KeyFrame(nil), out...)
	for _, kf := range first {
		if len(out) >= budget {
			break
		}
		for _, id := range kf.BestCovisible(10) {
			add(t.m.KeyFrame(id))
		}
		add(kf.Parent())
		for _, child := range kf.Children() {
			add(child)
		}
	}
	return out
}

// gatherLocalMapPoints collects the distinct, non-bad map points
// observed by any of localKFs, excluding points cur already matched.
func gatherLocalMapPoints(localKFs []*slam.KeyFrame, cur *slam.Frame) []*slam.MapPoint {
	already := make(map[int64]bool)
	for _, mp := range cur.MapPoints {
		if mp != nil {
			already[mp.ID()] = true
		}
	}

	seen := make(map[int64]bool)
	var out []*slam.MapPoint
	for _, kf := range localKFs {
		for _, mp := range kf.MapPoints() {
			if mp == nil || mp.IsBad() || seen[mp.ID()] || already[mp.ID()] {
				continue
			}
			seen[mp.ID()] = true
			out = append(out, mp)
		}
	}
	return out
}

// maybeInsertKeyframe applies spec.md §4.2.4's keyframe insertion
// policy: enough frames since the last keyframe, LocalMapping either has
// queue room or too many frames have elapsed, tracking is strong enough
// in absolute terms, and weak enough relative to the reference keyframe
// to mean new map coverage is needed.
func (t *Tracker) maybeInsertKeyframe(cur *slam.Frame) {
	if t.localizationOnly {
		return
	}
	if t.framesSinceKF < t.cfg.MinFramesBetweenKeyframes {
		return
	}

	timeCondition := t.lm.AcceptsKeyframes() || t.framesSinceKF >= t.cfg.MaxFramesBetweenKeyframes
	if !timeCondition {
		return
	}

	tracked := cur.NumMatches()
	if tracked < t.cfg.MinTrackedForNewKeyframe {
		return
	}

	if t.referenceKF != nil {
		refCount := 0
		for _, mp := range t.referenceKF.MapPoints() {
			if mp != nil && !mp.IsBad() {
				refCount++
			}
		}
		if refCount > 0 && float64(tracked)/float64(refCount) >= t.cfg.RefRatioForNewKeyframe {
			return
		}
	}

	if !t.lm.AcceptsKeyframes() {
		t.lm.AbortBA()
	}

	kf := t.m.CreateKeyFrame(cur, cur.Pose())
	for i, mp := range cur.MapPoints {
		if mp == nil || cur.Outlier[i] {
			continue
		}
		linkObservation(kf, i, mp)
	}
	kf.UpdateConnections(15)
	t.lm.Enqueue(kf)

	t.referenceKF = kf
	t.framesSinceKF = 0
}

// relocalize queries the keyframe database for BoW candidates and, for
// each candidate with at least RelocMinInliers BoW matches, runs
// pose-only optimization starting from the candidate's own pose. No
// EPnP or RANSAC step is used. The first candidate that keeps at least
// RelocMinInliers matches is accepted.
func (t *Tracker) relocalize(cur *slam.Frame) bool {
	candidates := t.db.DetectRelocalizationCandidates(cur, t.cfg.RelocMinSharedWords)
	for _, kf := range candidates {
		n := searchByBoWFrame(kf, cur)
		if n < t.cfg.RelocMinInliers {
			continue
		}

		cur.SetPose(kf.Pose().Tcw)
		cur.ClearOutliers()
		optimize.PoseOnlyOptimize(cur)
		if cur.NumMatches() < t.cfg.RelocMinInliers {
			continue
		}

		// Up to three more pose-only passes while fewer than
		// MinTrackedLocalAfterReloc matches remain; no new matches are
		// searched between passes, and acceptance below still only
		// requires RelocMinInliers.
		for round := 0; round < 3 && cur.NumMatches() < t.cfg.MinTrackedLocalAfterReloc; round++ {
			optimize.PoseOnlyOptimize(cur)
		}

		if cur.NumMatches() >= t.cfg.RelocMinInliers {
			t.referenceKF = kf
			return true
		}
	}
	monitoring.Logf("slam/tracking: dropping frame %d from relocalization: %d candidates, none reached %d inliers", cur.ID(), len(candidates), t.cfg.RelocMinInliers)
	return false
}

// updateVelocity recomputes the constant-velocity motion model from the
// last two tracked poses (spec.md §4.2.1's "velocity" term): V = Tcw_cur
// * Tcw_last^-1.
func (t *Tracker) updateVelocity(cur *slam.Frame) {
	if t.lastFrame == nil || !t.lastFrame.HasPose() || !cur.HasPose() {
		t.hasVelocity = false
		return
	}
	var lastInv mat.Dense
	if err := lastInv.Inverse(t.lastFrame.Pose().Tcw); err != nil {
		t.hasVelocity = false
		return
	}
	v := mat.NewDense(4, 4, nil)
	v.Mul(cur.Pose().Tcw, &lastInv)
	t.velocity = slam.PoseFromTcw(v)
	t.hasVelocity = true
}
