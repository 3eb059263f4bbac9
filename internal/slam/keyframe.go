package slam

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// BowVector is a sparse word-id -> weight representation of a descriptor
// set (spec.md §3.2, GLOSSARY).
type BowVector map[uint32]float64

// FeatureVector maps a vocabulary-tree node id (at a configured level) to
// the keypoint indices that fall under it; used by SearchByBoW (§4.6) to
// restrict candidate pairs to keypoints sharing a node.
type FeatureVector map[uint32][]int

// Score returns a cosine-like similarity in [0, 1] between two BoW
// vectors, iterating the smaller vector for efficiency.
func (v BowVector) Score(other BowVector) float64 {
	a, b := v, other
	if len(b) < len(a) {
		a, b = b, a
	}
	var score float64
	for word, wa := range a {
		if wb, ok := b[word]; ok {
			score += wa * wb
		}
	}
	return score
}

// Pose is a cached rigid transform (world -> camera) plus its derived
// quantities, all updated atomically together (spec.md §3.2).
type Pose struct {
	Tcw *mat.Dense // 4x4 homogeneous
	Rcw *mat.Dense // 3x3
	Tcw3 Vec3      // translation component of Tcw (row 0-2, col 3)
	Ow   Vec3      // camera center in world coords: -Rcw^T * tcw
}

// IdentityPose returns a pose at the world origin with no rotation.
func IdentityPose() Pose {
	t := mat.NewDense(4, 4, nil)
	t.Zero()
	for i := 0; i < 4; i++ {
		t.Set(i, i, 1)
	}
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		r.Set(i, i, 1)
	}
	return Pose{Tcw: t, Rcw: r}
}

// PoseFromTcw derives a full Pose (Rcw, translation, camera center) from
// a 4x4 Tcw matrix, for callers outside this package that construct a
// pose before a Frame/KeyFrame exists to hold it (e.g. Tracking's
// initializer promotion and constant-velocity motion model).
func PoseFromTcw(tcw *mat.Dense) Pose { return computePoseFromTcw(tcw) }

// computePoseFromTcw derives Rcw, translation and camera center from a 4x4
// Tcw matrix.
func computePoseFromTcw(tcw *mat.Dense) Pose {
	rcw := mat.NewDense(3, 3, nil)
	rcw.Copy(tcw.Slice(0, 3, 0, 3))
	var t Vec3
	for i := 0; i < 3; i++ {
		t[i] = tcw.At(i, 3)
	}
	var rt mat.Dense
	rt.CloneFrom(rcw.T())
	var negRtT mat.VecDense
	negRtT.MulVec(&rt, mat.NewVecDense(3, []float64{-t[0], -t[1], -t[2]}))
	ow := Vec3{negRtT.AtVec(0), negRtT.AtVec(1), negRtT.AtVec(2)}
	return Pose{Tcw: tcw, Rcw: rcw, Tcw3: t, Ow: ow}
}

// KeyFrame is a snapshot of camera state plus frozen feature-extraction
// results (spec.md §3.2). Locks are acquired in a fixed order to avoid
// deadlock: pose < features < connections.
type KeyFrame struct {
	id      int64
	frameID int64
	ts      time.Time

	FeatureSet

	poseMu sync.Mutex
	pose   Pose

	featMu    sync.Mutex
	mapPoints []*MapPoint // parallel to Keypoints, nil when unassigned
	bow       BowVector
	featVec   FeatureVector

	connMu      sync.Mutex
	connections map[int64]int // other KeyFrame id -> shared-observation weight
	orderedIDs  []int64       // connections, ordered by descending weight
	orderedW    []int

	treeMu   sync.Mutex
	parent   *KeyFrame
	children map[int64]*KeyFrame
	isOrigin bool

	loopMu    sync.Mutex
	loopEdges map[int64]*KeyFrame

	flagMu     sync.Mutex
	pinCount   int
	toBeErased bool
	bad        bool

	owner *Map
}

func newKeyFrame(m *Map, id int64, frameID int64, ts time.Time, fs FeatureSet, pose Pose) *KeyFrame {
	kf := &KeyFrame{
		id:          id,
		frameID:     frameID,
		ts:          ts,
		FeatureSet:  fs,
		pose:        pose,
		mapPoints:   make([]*MapPoint, len(fs.Keypoints)),
		connections: make(map[int64]int),
		children:    make(map[int64]*KeyFrame),
		loopEdges:   make(map[int64]*KeyFrame),
		owner:       m,
	}
	return kf
}

// ID returns the keyframe's monotone identity.
func (kf *KeyFrame) ID() int64 { return kf.id }

// FrameID returns the id of the ephemeral Frame this keyframe was
// promoted from.
func (kf *KeyFrame) FrameID() int64 { return kf.frameID }

// Timestamp returns the frame's capture time.
func (kf *KeyFrame) Timestamp() time.Time { return kf.ts }

// SetOrigin marks this keyframe as the spanning-tree root. Only Map.clear
// / the Initializer's first keyframe should call this.
func (kf *KeyFrame) SetOrigin() {
	kf.treeMu.Lock()
	kf.isOrigin = true
	kf.treeMu.Unlock()
}

// IsOrigin reports whether this is the spanning-tree root.
func (kf *KeyFrame) IsOrigin() bool {
	kf.treeMu.Lock()
	defer kf.treeMu.Unlock()
	return kf.isOrigin
}

// --- Pose ---

// SetPose updates Tcw and its cached derived quantities atomically.
func (kf *KeyFrame) SetPose(tcw *mat.Dense) {
	p := computePoseFromTcw(tcw)
	kf.poseMu.Lock()
	kf.pose = p
	kf.poseMu.Unlock()
}

// Pose returns the current cached pose.
func (kf *KeyFrame) Pose() Pose {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.pose
}

// CameraCenter returns the cached world-frame camera center O_w.
func (kf *KeyFrame) CameraCenter() Vec3 {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.pose.Ow
}

// --- Features ---

// NumKeypoints returns the number of frozen keypoints.
func (kf *KeyFrame) NumKeypoints() int { return len(kf.Keypoints) }

// KeypointAt returns the i'th undistorted keypoint.
func (kf *KeyFrame) KeypointAt(i int) KeyPoint { return kf.Keypoints[i] }

// DescriptorAt returns the i'th descriptor.
func (kf *KeyFrame) DescriptorAt(i int) Descriptor { return kf.Descriptors[i] }

// SetBow stores the precomputed BoW vector and per-level feature vector
// (spec.md §3.2, computed once by LocalMapping.process_new_keyframe).
func (kf *KeyFrame) SetBow(v BowVector, fv FeatureVector) {
	kf.featMu.Lock()
	kf.bow = v
	kf.featVec = fv
	kf.featMu.Unlock()
}

// Bow returns the cached BoW vector (nil until SetBow has run).
func (kf *KeyFrame) Bow() BowVector {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	return kf.bow
}

// FeatureVec returns the cached per-level feature vector.
func (kf *KeyFrame) FeatureVec() FeatureVector {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	return kf.featVec
}

// MapPointAt returns the map point associated with keypoint i, or nil.
func (kf *KeyFrame) MapPointAt(i int) *MapPoint {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	return kf.mapPoints[i]
}

// MapPoints returns a snapshot of all non-nil, non-bad associated map
// points.
func (kf *KeyFrame) MapPoints() []*MapPoint {
	kf.featMu.Lock()
	snapshot := make([]*MapPoint, len(kf.mapPoints))
	copy(snapshot, kf.mapPoints)
	kf.featMu.Unlock()

	out := make([]*MapPoint, 0, len(snapshot))
	for _, mp := range snapshot {
		if mp != nil && !mp.IsBad() {
			out = append(out, mp)
		}
	}
	return out
}

// setMapPointAt associates mp with keypoint i (invariant §3.6 #2 holder).
func (kf *KeyFrame) setMapPointAt(i int, mp *MapPoint) {
	kf.featMu.Lock()
	kf.mapPoints[i] = mp
	kf.featMu.Unlock()
}

// SetMapPointAt is the exported form, used by LocalMapping/LoopClosing
// fusion logic.
func (kf *KeyFrame) SetMapPointAt(i int, mp *MapPoint) { kf.setMapPointAt(i, mp) }

// clearMapPointAt removes mp from slot i if it is still the occupant
// (guards against a race where the slot was already reassigned).
func (kf *KeyFrame) clearMapPointAt(i int, mp *MapPoint) {
	kf.featMu.Lock()
	if kf.mapPoints[i] == mp {
		kf.mapPoints[i] = nil
	}
	kf.featMu.Unlock()
}

// EraseMapPointAt removes whatever map point occupies slot i, without
// mutating the point's own observation map (the caller is expected to
// have already called mp.EraseObservation, or is discarding the
// association as part of outlier rejection).
func (kf *KeyFrame) EraseMapPointAt(i int) {
	kf.featMu.Lock()
	kf.mapPoints[i] = nil
	kf.featMu.Unlock()
}

// ObservesPoint reports whether mp is already associated with any
// keypoint in this keyframe. Exported for use by orbmatch's Fuse, which
// must not re-attach a point the keyframe already observes.
func (kf *KeyFrame) ObservesPoint(mp *MapPoint) bool { return kf.observesPoint(mp) }

// observesPoint reports whether mp is already associated with any
// keypoint in this keyframe.
func (kf *KeyFrame) observesPoint(mp *MapPoint) bool {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	for _, p := range kf.mapPoints {
		if p == mp {
			return true
		}
	}
	return false
}

// --- Covisibility graph ---

// UpdateConnections recomputes this keyframe's covisibility edges from
// its current map-point associations: weight(this, other) = number of
// shared non-bad map-point observations (spec.md §3.6 invariant #3).
// Neighbors sharing at least minWeight points are linked; when none
// reaches minWeight, only the highest-weight neighbor is linked. A
// keyframe that shares no observation with any other keeps its existing
// edges. While it has no spanning-tree parent, the highest-weight
// neighbor also becomes its parent.
func (kf *KeyFrame) UpdateConnections(minWeight int) {
	counts := make(map[int64]int)
	for _, mp := range kf.MapPoints() {
		for otherID := range mp.Observations() {
			if otherID == kf.id {
				continue
			}
			counts[otherID]++
		}
	}
	if len(counts) == 0 {
		return
	}

	kf.connMu.Lock()
	kf.connections = make(map[int64]int, len(counts))
	var bestID int64 = -1
	bestW := -1
	for id, w := range counts {
		if w >= minWeight {
			kf.connections[id] = w
		}
		if w > bestW {
			bestW = w
			bestID = id
		}
	}
	if len(kf.connections) == 0 {
		kf.connections[bestID] = bestW
	}
	kf.rebuildOrderedLocked()
	kf.connMu.Unlock()

	if bestID != -1 && kf.owner != nil && !kf.IsOrigin() {
		kf.treeMu.Lock()
		hasParent := kf.parent != nil
		kf.treeMu.Unlock()
		if !hasParent {
			if best := kf.owner.KeyFrame(bestID); best != nil && !best.IsBad() {
				kf.setParent(best)
			}
		}
	}
}

func (kf *KeyFrame) rebuildOrderedLocked() {
	ids := make([]int64, 0, len(kf.connections))
	for id := range kf.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if kf.connections[ids[i]] != kf.connections[ids[j]] {
			return kf.connections[ids[i]] > kf.connections[ids[j]]
		}
		return ids[i] < ids[j]
	})
	weights := make([]int, len(ids))
	for i, id := range ids {
		weights[i] = kf.connections[id]
	}
	kf.orderedIDs = ids
	kf.orderedW = weights
}

// AddConnection directly sets/replaces a single covisibility edge weight;
// used when a point-level update makes a full UpdateConnections
// recomputation unnecessary.
func (kf *KeyFrame) AddConnection(otherID int64, weight int) {
	kf.connMu.Lock()
	if weight <= 0 {
		delete(kf.connections, otherID)
	} else {
		kf.connections[otherID] = weight
	}
	kf.rebuildOrderedLocked()
	kf.connMu.Unlock()
}

// EraseConnection removes the edge to otherID entirely, used when other
// goes bad.
func (kf *KeyFrame) EraseConnection(otherID int64) {
	kf.connMu.Lock()
	if _, ok := kf.connections[otherID]; ok {
		delete(kf.connections, otherID)
		kf.rebuildOrderedLocked()
	}
	kf.connMu.Unlock()
}

// Weight returns the covisibility weight to otherID, or 0 if unconnected.
func (kf *KeyFrame) Weight(otherID int64) int {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.connections[otherID]
}

// BestCovisible returns up to n covisible neighbor ids, ordered by
// descending weight.
func (kf *KeyFrame) BestCovisible(n int) []int64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if n < 0 || n > len(kf.orderedIDs) {
		n = len(kf.orderedIDs)
	}
	out := make([]int64, n)
	copy(out, kf.orderedIDs[:n])
	return out
}

// CovisiblesByWeight returns every neighbor id with weight >= w.
func (kf *KeyFrame) CovisiblesByWeight(w int) []int64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	var out []int64
	for i, id := range kf.orderedIDs {
		if kf.orderedW[i] >= w {
			out = append(out, id)
		}
	}
	return out
}

// AllCovisibles returns every connected neighbor id.
func (kf *KeyFrame) AllCovisibles() []int64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	out := make([]int64, len(kf.orderedIDs))
	copy(out, kf.orderedIDs)
	return out
}

// --- Spanning tree ---

func (kf *KeyFrame) setParent(parent *KeyFrame) {
	kf.treeMu.Lock()
	old := kf.parent
	kf.parent = parent
	kf.treeMu.Unlock()
	if old != nil {
		old.eraseChild(kf.id)
	}
	if parent != nil {
		parent.addChild(kf)
	}
}

// ChangeParent rewires this keyframe's spanning-tree parent, used by
// essential-graph correction and by re-parenting during keyframe
// deletion.
func (kf *KeyFrame) ChangeParent(parent *KeyFrame) { kf.setParent(parent) }

// Parent returns the spanning-tree parent, or nil at the origin.
func (kf *KeyFrame) Parent() *KeyFrame {
	kf.treeMu.Lock()
	defer kf.treeMu.Unlock()
	return kf.parent
}

func (kf *KeyFrame) addChild(child *KeyFrame) {
	kf.treeMu.Lock()
	kf.children[child.id] = child
	kf.treeMu.Unlock()
}

func (kf *KeyFrame) eraseChild(id int64) {
	kf.treeMu.Lock()
	delete(kf.children, id)
	kf.treeMu.Unlock()
}

// Children returns a snapshot of the spanning-tree children.
func (kf *KeyFrame) Children() []*KeyFrame {
	kf.treeMu.Lock()
	defer kf.treeMu.Unlock()
	out := make([]*KeyFrame, 0, len(kf.children))
	for _, c := range kf.children {
		out = append(out, c)
	}
	return out
}

// --- Loop edges ---

// AddLoopEdge records other as a loop-closure partner of this keyframe
// (bidirectional; caller calls this on both ends).
func (kf *KeyFrame) AddLoopEdge(other *KeyFrame) {
	kf.loopMu.Lock()
	kf.loopEdges[other.id] = other
	kf.loopMu.Unlock()
	kf.pin()
}

// LoopEdges returns a snapshot of this keyframe's loop-closure partners.
func (kf *KeyFrame) LoopEdges() []*KeyFrame {
	kf.loopMu.Lock()
	defer kf.loopMu.Unlock()
	out := make([]*KeyFrame, 0, len(kf.loopEdges))
	for _, e := range kf.loopEdges {
		out = append(out, e)
	}
	return out
}

// eraseLoopEdge removes id's keyframe from this keyframe's loop edges, the
// other-side half of AddLoopEdge's bidirectional insert.
func (kf *KeyFrame) eraseLoopEdge(id int64) {
	kf.loopMu.Lock()
	delete(kf.loopEdges, id)
	kf.loopMu.Unlock()
}

// --- Flags & lifecycle ---

// pin increments the not_erase pin count (spec.md §3.2 Flags); while
// pinned > 0, a SetBad request is deferred.
func (kf *KeyFrame) pin() {
	kf.flagMu.Lock()
	kf.pinCount++
	kf.flagMu.Unlock()
}

// SetNotErase pins the keyframe so LoopClosing logic can safely hold a
// reference across several steps without it being deleted underneath.
func (kf *KeyFrame) SetNotErase() { kf.pin() }

// SetErase releases one pin. If the pin count reaches zero and a delete
// was requested while pinned, the deferred SetBad now runs (resolves the
// §9 Open Question on the to_be_erased transition table).
func (kf *KeyFrame) SetErase() {
	kf.flagMu.Lock()
	if kf.pinCount > 0 {
		kf.pinCount--
	}
	runDeferred := kf.pinCount == 0 && kf.toBeErased
	if runDeferred {
		kf.toBeErased = false
	}
	kf.flagMu.Unlock()

	if runDeferred {
		kf.doSetBad()
	}
}

// IsBad reports whether this keyframe has been marked terminal.
func (kf *KeyFrame) IsBad() bool {
	kf.flagMu.Lock()
	defer kf.flagMu.Unlock()
	return kf.bad
}

// SetBad requests deletion. If the keyframe is currently pinned
// (not_erase > 0), the request is deferred until the last SetErase; the
// origin keyframe can never be marked bad. Idempotent (§8 law 9).
func (kf *KeyFrame) SetBad() {
	if kf.IsOrigin() {
		return
	}
	kf.flagMu.Lock()
	if kf.bad {
		kf.flagMu.Unlock()
		return
	}
	if kf.pinCount > 0 {
		kf.toBeErased = true
		kf.flagMu.Unlock()
		return
	}
	kf.flagMu.Unlock()
	kf.doSetBad()
}

// doSetBad performs the actual terminal transition described in
// spec.md §3.2 "Lifecycle": unlink from every covisible neighbor, unlink
// from parent, re-parent children, notify loop edges, mark bad.
func (kf *KeyFrame) doSetBad() {
	kf.flagMu.Lock()
	if kf.bad {
		kf.flagMu.Unlock()
		return
	}
	kf.bad = true
	kf.flagMu.Unlock()

	for _, id := range kf.AllCovisibles() {
		if kf.owner == nil {
			continue
		}
		if other := kf.owner.KeyFrame(id); other != nil {
			other.EraseConnection(kf.id)
		}
	}

	kf.reparentChildren()

	if parent := kf.Parent(); parent != nil {
		parent.eraseChild(kf.id)
	}

	for _, partner := range kf.LoopEdges() {
		partner.eraseLoopEdge(kf.id)
	}
	kf.loopMu.Lock()
	kf.loopEdges = nil
	kf.loopMu.Unlock()
	kf.treeMu.Lock()
	kf.parent = nil
	kf.treeMu.Unlock()

	for _, mp := range kf.MapPoints() {
		mp.EraseObservation(kf)
	}

	if kf.owner != nil {
		kf.owner.eraseKeyFrame(kf)
	}
}

// reparentChildren implements spec.md §3.2's re-parenting rule: each
// child elects a new parent among the union of its own covisible set and
// the deleted keyframe's parent/covisible set, preferring the
// highest-weight live candidate; a child with no such candidate attaches
// directly to the deleted keyframe's parent.
func (kf *KeyFrame) reparentChildren() {
	children := kf.Children()
	if len(children) == 0 {
		return
	}
	grandparent := kf.Parent()
	candidates := make(map[int64]bool)
	for _, id := range kf.AllCovisibles() {
		candidates[id] = true
	}
	if grandparent != nil {
		candidates[grandparent.id] = true
		for _, id := range grandparent.AllCovisibles() {
			candidates[id] = true
		}
	}

	remaining := make(map[int64]*KeyFrame, len(children))
	for _, c := range children {
		remaining[c.id] = c
	}

	for len(remaining) > 0 {
		progressed := false
		var bestChildID int64 = -1
		var bestParent *KeyFrame
		bestW := -1
		for cid, child := range remaining {
			for _, cov := range child.AllCovisibles() {
				if !candidates[cov] {
					continue
				}
				cand := kf.owner.KeyFrame(cov)
				if cand == nil || cand.IsBad() {
					continue
				}
				w := child.Weight(cov)
				if w > bestW {
					bestW = w
					bestChildID = cid
					bestParent = cand
				}
			}
			_ = child
		}
		if bestChildID == -1 {
			break
		}
		remaining[bestChildID].setParent(bestParent)
		candidates[bestChildID] = true
		delete(remaining, bestChildID)
		progressed = true
		if !progressed {
			break
		}
	}

	// Any child that never found a covisible candidate attaches directly
	// to the deleted keyframe's parent (or stays rootless only if this
	// was itself the origin, which SetBad forbids).
	for _, child := range remaining {
		child.setParent(grandparent)
	}
}
