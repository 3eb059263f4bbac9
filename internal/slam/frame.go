package slam

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Frame is the ephemeral per-image state Tracking works with before a
// decision is made to promote it to a KeyFrame (spec.md §3.1, §3.3).
// Unlike KeyFrame it is not owned by the Map and carries no locks: it is
// only ever touched by the Tracking goroutine that created it. Spec.md
// §3.3 notes that at most three frames are conceptually live at once
// (current, last, and the reference keyframe's frame-of-origin); nothing
// here enforces that as a hard limit, it is just why Frame stays cheap
// to allocate and copy.
type Frame struct {
	FeatureSet

	id      int64
	ts      time.Time
	pose    Pose
	hasPose bool

	refKF *KeyFrame

	// MapPoints[i] is the tentatively matched map point for keypoint i,
	// or nil if unmatched. Outlier[i] marks a match rejected by the most
	// recent pose-only optimization (spec.md §4.2.6's robust kernel
	// down-weighting).
	MapPoints []*MapPoint
	Outlier   []bool

	bowComputed bool
	bow         BowVector
	featVec     FeatureVector
}

// NewFrame wraps a freshly extracted FeatureSet into a Frame ready for
// tracking.
func NewFrame(id int64, ts time.Time, fs FeatureSet, refKF *KeyFrame) *Frame {
	return &Frame{
		FeatureSet: fs,
		id:         id,
		ts:         ts,
		refKF:      refKF,
		MapPoints:  make([]*MapPoint, len(fs.Keypoints)),
		Outlier:    make([]bool, len(fs.Keypoints)),
	}
}

// ID returns the frame's sequence number (monotone per Tracking session,
// not shared with KeyFrame ids).
func (f *Frame) ID() int64 { return f.id }

// Timestamp returns the frame's capture time.
func (f *Frame) Timestamp() time.Time { return f.ts }

// ReferenceKeyFrame returns the last keyframe inserted before this frame
// was captured; Tracking uses it for SearchByBoW fallback and relative
// pose logging.
func (f *Frame) ReferenceKeyFrame() *KeyFrame { return f.refKF }

// SetPose records the frame's estimated Tcw. Unlike KeyFrame.SetPose this
// has no lock: Frame is single-goroutine-owned.
func (f *Frame) SetPose(tcw *mat.Dense) {
	f.pose = computePoseFromTcw(tcw)
	f.hasPose = true
}

// Pose returns the frame's current pose estimate.
func (f *Frame) Pose() Pose { return f.pose }

// HasPose reports whether SetPose has run yet (false right after
// construction, before the first pose estimate exists).
func (f *Frame) HasPose() bool { return f.hasPose }

// CameraCenter returns the cached world-frame camera center of the
// frame's current pose estimate.
func (f *Frame) CameraCenter() Vec3 { return f.pose.Ow }

// SetBow caches the BoW representation; Tracking.ProcessFrame computes
// and sets it for every incoming frame (spec.md §4.1, §4.6).
func (f *Frame) SetBow(v BowVector, fv FeatureVector) {
	f.bow = v
	f.featVec = fv
	f.bowComputed = true
}

// Bow returns the cached BoW vector, or nil if SetBow has not run.
func (f *Frame) Bow() BowVector { return f.bow }

// FeatureVec returns the cached per-level feature vector.
func (f *Frame) FeatureVec() FeatureVector { return f.featVec }

// BowComputed reports whether SetBow has run.
func (f *Frame) BowComputed() bool { return f.bowComputed }

// NumMatches returns the count of non-nil, non-outlier map point matches
// (the pose-only-optimization inlier count of spec.md §4.2.6, used by
// Tracking to decide OK vs LOST).
func (f *Frame) NumMatches() int {
	n := 0
	for i, mp := range f.MapPoints {
		if mp != nil && !f.Outlier[i] {
			n++
		}
	}
	return n
}

// ClearOutliers resets every outlier flag; used when re-running pose-only
// optimization from scratch (e.g. after relocalization).
func (f *Frame) ClearOutliers() {
	for i := range f.Outlier {
		f.Outlier[i] = false
	}
}
