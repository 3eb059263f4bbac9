package slam

import (
	"sync"

	"github.com/banshee-data/slam/internal/monitoring"
)

// globalMu is the "global mutex of last resort" of spec.md §5. Position
// takes it on every read. No write path in this module (bundle
// adjustment, loop correction) acquires it, so it does not make a read
// consistent across a batch write-back of many points.
var globalMu sync.Mutex

// GlobalLock acquires the map-point global mutex of last resort.
func GlobalLock() { globalMu.Lock() }

// GlobalUnlock releases the map-point global mutex of last resort.
func GlobalUnlock() { globalMu.Unlock() }

// MapPoint is a 3D landmark in world coordinates (spec.md §3.1).
type MapPoint struct {
	id int64

	posMu       sync.Mutex
	position    Vec3
	normal      Vec3 // mean viewing direction, unit vector
	minDistance float64
	maxDistance float64

	featMu       sync.Mutex
	observations map[int64]int // KeyFrame id -> keypoint index
	refKFID      int64
	descriptor   Descriptor

	visible int
	found   int

	bad         bool
	replacement *MapPoint

	owner *Map
}

// newMapPoint constructs a map point owned by m with refKF as its
// reference keyframe and the given descriptor. It records no observation;
// callers add refKF (and any other observer) through AddObservation.
func newMapPoint(m *Map, id int64, pos Vec3, refKF *KeyFrame, descriptor Descriptor) *MapPoint {
	return &MapPoint{
		id:           id,
		position:     pos,
		normal:       Vec3{0, 0, 1},
		minDistance:  0,
		maxDistance:  0,
		observations: make(map[int64]int),
		refKFID:      refKF.ID(),
		descriptor:   descriptor,
		owner:        m,
	}
}

// ID returns the map point's monotone identity.
func (mp *MapPoint) ID() int64 { return mp.id }

// IsBad reports whether this point has been marked for removal. Every
// dereference of a MapPoint obtained through a non-owning edge (a
// KeyFrame's observation, a neighbor's map-point list) must check this
// immediately before use.
func (mp *MapPoint) IsBad() bool {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	return mp.bad
}

// Position returns the current world position under the global lock and
// the per-point lock.
func (mp *MapPoint) Position() Vec3 {
	GlobalLock()
	defer GlobalUnlock()
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	return mp.position
}

// SetPosition updates the world position under the per-point lock only.
// The batch write-backs in this module (local/global BA, loop
// correction) call it point by point without holding GlobalLock.
func (mp *MapPoint) SetPosition(pos Vec3) {
	mp.posMu.Lock()
	mp.position = pos
	mp.posMu.Unlock()
}

// Normal returns the cached mean viewing direction.
func (mp *MapPoint) Normal() Vec3 {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	return mp.normal
}

// DistanceRange returns the cached scale-invariant distance band
// [d_min, d_max].
func (mp *MapPoint) DistanceRange() (min, max float64) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	return mp.minDistance, mp.maxDistance
}

// Descriptor returns the canonical 256-bit descriptor.
func (mp *MapPoint) Descriptor() Descriptor {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	return mp.descriptor
}

// RefKeyFrame returns the reference keyframe, or nil if it has since gone
// bad and no replacement was elected (callers should treat nil as "point
// unusable").
func (mp *MapPoint) RefKeyFrame() *KeyFrame {
	mp.featMu.Lock()
	refID := mp.refKFID
	mp.featMu.Unlock()
	if mp.owner == nil {
		return nil
	}
	kf := mp.owner.KeyFrame(refID)
	if kf == nil || kf.IsBad() {
		return nil
	}
	return kf
}

// Observations returns a snapshot of the (KeyFrame id -> keypoint index)
// map. Invariant (spec.md §3.6 #1): for every (kf, idx) here,
// kf.MapPointAt(idx) == mp and !kf.IsBad().
func (mp *MapPoint) Observations() map[int64]int {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	out := make(map[int64]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// NumObservations returns the number of live observations.
func (mp *MapPoint) NumObservations() int {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	return len(mp.observations)
}

// AddObservation records that kf observes this point at keypoint index
// idx. It does not change the reference keyframe, which stays the one
// passed to Map.CreateMapPoint until EraseObservation reassigns it.
func (mp *MapPoint) AddObservation(kf *KeyFrame, idx int) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	if mp.bad {
		return
	}
	if _, exists := mp.observations[kf.ID()]; exists {
		return
	}
	mp.observations[kf.ID()] = idx
}

// EraseObservation removes kf as an observer. A no-op if kf was not an
// observer (spec.md §8 law 9). If kf was the reference keyframe, a
// surviving observer with the lowest id becomes the new reference.
func (mp *MapPoint) EraseObservation(kf *KeyFrame) {
	mp.featMu.Lock()
	_, existed := mp.observations[kf.ID()]
	if !existed {
		mp.featMu.Unlock()
		return
	}
	delete(mp.observations, kf.ID())
	wasRef := mp.refKFID == kf.ID()
	becomeBad := len(mp.observations) < 2
	if wasRef {
		mp.refKFID = mp.lowestObserverIDLocked()
	}
	mp.featMu.Unlock()

	if becomeBad {
		mp.setBad()
	}
}

func (mp *MapPoint) lowestObserverIDLocked() int64 {
	best := int64(-1)
	for id := range mp.observations {
		if best == -1 || id < best {
			best = id
		}
	}
	return best
}

// IncrementVisible bumps the "fell in a frame's frustum" counter (§3.1).
func (mp *MapPoint) IncrementVisible(n int) {
	mp.featMu.Lock()
	mp.visible += n
	mp.featMu.Unlock()
}

// IncrementFound bumps the "was matched" counter.
func (mp *MapPoint) IncrementFound(n int) {
	mp.featMu.Lock()
	mp.found += n
	mp.featMu.Unlock()
}

// FoundRatio returns found/visible, used by the culling rule in
// spec.md §4.3.2 (ratio >= 0.25 required to survive).
func (mp *MapPoint) FoundRatio() float64 {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	if mp.visible == 0 {
		return 0
	}
	return float64(mp.found) / float64(mp.visible)
}

// setBad marks the point terminal: mark-and-sweep removal from the map
// set and from every observing keyframe. Idempotent (§8 law 9).
func (mp *MapPoint) setBad() {
	mp.featMu.Lock()
	if mp.bad {
		mp.featMu.Unlock()
		return
	}
	mp.bad = true
	obs := mp.observations
	mp.observations = nil
	mp.featMu.Unlock()

	for kfID, idx := range obs {
		if mp.owner == nil {
			continue
		}
		kf := mp.owner.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		kf.clearMapPointAt(idx, mp)
	}
	if mp.owner != nil {
		mp.owner.eraseMapPoint(mp)
	}
}

// SetBad is the exported form of setBad, used by LocalMapping's culling
// pass and Fuse's duplicate-resolution path.
func (mp *MapPoint) SetBad() { mp.setBad() }

// Replace fuses mp into other: every keyframe observing mp that does not
// already observe other is re-pointed at other, mp is marked bad, and its
// replacement pointer is set so dangling readers can follow it forward.
func (mp *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.ID() == mp.ID() {
		return
	}

	mp.featMu.Lock()
	if mp.bad {
		mp.featMu.Unlock()
		return
	}
	mp.bad = true
	obs := mp.observations
	mp.observations = nil
	mp.replacement = other
	mp.featMu.Unlock()

	for kfID, idx := range obs {
		if mp.owner == nil {
			continue
		}
		kf := mp.owner.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		if existing := kf.MapPointAt(idx); existing == other {
			continue
		}
		if kf.observesPoint(other) {
			kf.clearMapPointAt(idx, mp)
		} else {
			kf.setMapPointAt(idx, other)
			other.AddObservation(kf, idx)
		}
	}
	other.refreshAfterFusion()
	if mp.owner != nil {
		mp.owner.eraseMapPoint(mp)
	}
}

// Replacement returns the point that absorbed this one via Replace, or
// nil. Callers holding a stale pointer to a now-bad point should follow
// this forward.
func (mp *MapPoint) Replacement() *MapPoint {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	return mp.replacement
}

// refreshAfterFusion recomputes descriptor and viewing geometry; called
// on the survivor of a Fuse/Replace merge.
func (mp *MapPoint) refreshAfterFusion() {
	mp.RecomputeDescriptor()
	mp.RecomputeNormalAndDepth()
}

// RecomputeDescriptor recomputes the canonical descriptor as the medoid
// (minimum sum of Hamming distances) of every observing keyframe's
// descriptor at the observed keypoint (spec.md §3.1, §8 law 5).
func (mp *MapPoint) RecomputeDescriptor() {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}
	descs := make([]Descriptor, 0, len(obs))
	for kfID, idx := range obs {
		if mp.owner == nil {
			continue
		}
		kf := mp.owner.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		descs = append(descs, kf.DescriptorAt(idx))
	}
	if len(descs) == 0 {
		return
	}
	best := 0
	bestSum := -1
	for i, di := range descs {
		sum := 0
		for j, dj := range descs {
			if i == j {
				continue
			}
			sum += HammingDistance(di, dj)
		}
		if bestSum == -1 || sum < bestSum {
			bestSum = sum
			best = i
		}
	}
	mp.featMu.Lock()
	mp.descriptor = descs[best]
	mp.featMu.Unlock()
}

// RecomputeNormalAndDepth recomputes the mean viewing direction and the
// scale-invariant distance band [d_min, d_max] from all live observations
// (spec.md §3.1, invariant §3.6 #6).
func (mp *MapPoint) RecomputeNormalAndDepth() {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}
	pos := mp.Position()

	var sum Vec3
	var refDist float64
	var refOctave int
	n := 0
	for kfID, idx := range obs {
		if mp.owner == nil {
			continue
		}
		kf := mp.owner.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		center := kf.CameraCenter()
		dir := pos.Sub(center)
		d := dir.Norm()
		if d == 0 {
			continue
		}
		sum = sum.Add(dir.Normalized())
		n++
		if kf.ID() == mp.refKFID {
			refDist = d
			refOctave = kf.KeypointAt(idx).Octave
		}
	}
	if n == 0 {
		return
	}
	meanNormal := sum.Scale(1.0 / float64(n)).Normalized()

	if refDist == 0 {
		// reference keyframe became bad; fall back to the first live
		// observation found above for the distance band.
		for kfID, idx := range obs {
			kf := mp.owner.KeyFrame(kfID)
			if kf == nil || kf.IsBad() {
				continue
			}
			refDist = pos.Sub(kf.CameraCenter()).Norm()
			refOctave = kf.KeypointAt(idx).Octave
			break
		}
	}

	levelScaleFactor := mp.owner.scaleFactorAtOctave(refOctave)
	maxLevelScale := mp.owner.scaleFactorAtOctave(mp.owner.numScaleLevels() - 1)

	mp.posMu.Lock()
	mp.normal = meanNormal
	mp.maxDistance = refDist * levelScaleFactor
	mp.minDistance = mp.maxDistance / maxLevelScale
	mp.posMu.Unlock()

	if mp.minDistance > mp.maxDistance {
		monitoring.Logf("slam: mappoint %d computed inverted distance band [%f, %f]", mp.id, mp.minDistance, mp.maxDistance)
	}
}

// PredictOctave returns the pyramid level at which a point at distance d
// from the camera is expected to be observed, given its cached distance
// band. Used by SearchByProjection (§4.6) to restrict the search radius.
func (mp *MapPoint) PredictOctave(d float64) int {
	min, _ := mp.DistanceRange()
	if min <= 0 {
		return 0
	}
	ratio := 0.0
	if d > 0 {
		ratio = d / min
	}
	levels := mp.owner.numScaleLevels()
	level := 0
	sf := mp.owner.scaleFactor()
	for ; level < levels-1; level++ {
		if ratioAtLevel(sf, level+1) > ratio {
			break
		}
	}
	return level
}

func ratioAtLevel(scaleFactor float64, level int) float64 {
	r := 1.0
	for i := 0; i < level; i++ {
		r *= scaleFactor
	}
	return r
}
