package slam

import (
	"sync"
	"time"
)

// ScalePyramid describes the ORB feature-extraction pyramid shared by
// every Frame and KeyFrame in a Map (spec.md §3.2's "scale pyramid
// metadata"): level i has linear scale ScaleFactor^i relative to level
// 0, and every octave comparison in MapPoint.PredictOctave and
// RecomputeNormalAndDepth needs these two numbers.
type ScalePyramid struct {
	ScaleFactor float64
	NumLevels   int
}

// Map owns every KeyFrame and MapPoint in the system (spec.md §3.2: "the
// Map's two sets are the only ownership roots"). It assigns monotone ids
// and stores a "local map" reference point set. The global mutex that
// BA-consistent reads and writes share is not part of Map: it is the
// package-level GlobalLock/GlobalUnlock pair in mappoint.go.
//
// Following the teacher's Tracker (internal/lidar/tracking.go): one
// map[id]*T per owned kind, one monotone id counter per kind, one
// sync.RWMutex guarding set membership. KeyFrame/MapPoint internals have
// their own finer-grained locks; Map.mu only protects the membership
// maps and id counters, never pose or feature state.
type Map struct {
	mu sync.RWMutex

	keyFrames    map[int64]*KeyFrame
	mapPoints    map[int64]*MapPoint
	nextKFID     int64
	nextMPID     int64

	referenceMu      sync.Mutex
	referencePoints  []*MapPoint

	pyramid ScalePyramid

	changeMu  sync.Mutex
	changeIdx uint64 // bumped on every structural change, for viewer/UI polling
}

// NewMap returns an empty map using the given scale pyramid parameters
// (taken from internal/config at startup).
func NewMap(pyramid ScalePyramid) *Map {
	return &Map{
		keyFrames: make(map[int64]*KeyFrame),
		mapPoints: make(map[int64]*MapPoint),
		nextKFID:  0,
		nextMPID:  0,
		pyramid:   pyramid,
	}
}

// CreateKeyFrame allocates a new KeyFrame owned by this map from an
// ephemeral Frame (spec.md §3.3's promotion step) and the given pose.
func (m *Map) CreateKeyFrame(f *Frame, pose Pose) *KeyFrame {
	m.mu.Lock()
	id := m.nextKFID
	m.nextKFID++
	kf := newKeyFrame(m, id, f.ID(), f.Timestamp(), f.FeatureSet, pose)
	m.keyFrames[id] = kf
	m.mu.Unlock()
	m.bumpChange()
	return kf
}

// CreateMapPoint allocates a new MapPoint owned by this map.
func (m *Map) CreateMapPoint(pos Vec3, refKF *KeyFrame, descriptor Descriptor) *MapPoint {
	m.mu.Lock()
	id := m.nextMPID
	m.nextMPID++
	mp := newMapPoint(m, id, pos, refKF, descriptor)
	m.mapPoints[id] = mp
	m.mu.Unlock()
	m.bumpChange()
	return mp
}

// KeyFrame looks up a keyframe by id, or returns nil.
func (m *Map) KeyFrame(id int64) *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFrames[id]
}

// MapPoint looks up a map point by id, or returns nil.
func (m *Map) MapPoint(id int64) *MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapPoints[id]
}

// AllKeyFrames returns a snapshot of every keyframe currently owned
// (including ones already marked bad but not yet erased by their own
// goroutine).
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	return out
}

// AllMapPoints returns a snapshot of every map point currently owned.
func (m *Map) AllMapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	return out
}

// NumKeyFrames returns the count of owned keyframes.
func (m *Map) NumKeyFrames() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// NumMapPoints returns the count of owned map points.
func (m *Map) NumMapPoints() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mapPoints)
}

// eraseKeyFrame removes kf from the ownership set. Called only from
// KeyFrame.doSetBad once the keyframe has fully unlinked itself from the
// covisibility/spanning/loop graphs.
func (m *Map) eraseKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	delete(m.keyFrames, kf.id)
	m.mu.Unlock()
	m.bumpChange()
}

// eraseMapPoint removes mp from the ownership set. Called from
// MapPoint.setBad once observers have been cleared, and from
// MapPoint.Replace once the point's observations have moved to its
// replacement.
func (m *Map) eraseMapPoint(mp *MapPoint) {
	m.mu.Lock()
	delete(m.mapPoints, mp.id)
	m.mu.Unlock()
	m.bumpChange()
}

// SetReferenceMapPoints replaces the current "local map" reference set.
// No pipeline in this module calls it; Tracking's track_local_map step
// builds its own local point set.
func (m *Map) SetReferenceMapPoints(points []*MapPoint) {
	m.referenceMu.Lock()
	m.referencePoints = points
	m.referenceMu.Unlock()
}

// ReferenceMapPoints returns a copy of the current local-map reference
// set.
func (m *Map) ReferenceMapPoints() []*MapPoint {
	m.referenceMu.Lock()
	defer m.referenceMu.Unlock()
	out := make([]*MapPoint, len(m.referencePoints))
	copy(out, m.referencePoints)
	return out
}

// Clear resets the map to empty, for a full system reset (spec.md
// §3.2's Reset operation). Callers are responsible for also clearing any
// KeyFrameDatabase built over the erased keyframes.
func (m *Map) Clear() {
	m.mu.Lock()
	m.keyFrames = make(map[int64]*KeyFrame)
	m.mapPoints = make(map[int64]*MapPoint)
	m.nextKFID = 0
	m.nextMPID = 0
	m.mu.Unlock()

	m.referenceMu.Lock()
	m.referencePoints = nil
	m.referenceMu.Unlock()

	m.bumpChange()
}

// scaleFactorAtOctave returns scale_factor^octave for this map's
// pyramid.
func (m *Map) scaleFactorAtOctave(octave int) float64 {
	f := 1.0
	for i := 0; i < octave; i++ {
		f *= m.pyramid.ScaleFactor
	}
	return f
}

// numScaleLevels returns the pyramid's level count.
func (m *Map) numScaleLevels() int { return m.pyramid.NumLevels }

// scaleFactor returns the per-level linear scale ratio.
func (m *Map) scaleFactor() float64 { return m.pyramid.ScaleFactor }

// bumpChange advances the structural-change counter used by optional
// viewer/diagnostic polling (internal/api's pose/map snapshot endpoint).
func (m *Map) bumpChange() {
	m.changeMu.Lock()
	m.changeIdx++
	m.changeMu.Unlock()
}

// ChangeIndex returns the current structural-change counter; a
// diagnostic poller can compare successive values to detect "map
// changed since I last looked" without re-walking every point.
func (m *Map) ChangeIndex() uint64 {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changeIdx
}

// KeyFrameCreationTime is a small helper used by diagnostics to sort
// keyframes by insertion time rather than id (the two usually agree, but
// a restored-from-snapshot map may not preserve insertion order).
func KeyFrameCreationTime(kf *KeyFrame) time.Time { return kf.Timestamp() }
