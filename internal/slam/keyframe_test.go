package slam

import (
	"testing"
	"time"
)

func TestKeyFrameOriginCannotBeMarkedBad(t *testing.T) {
	m := NewMap(testPyramid())
	kf := newTestKeyFrame(t, m, 3)
	kf.SetOrigin()

	kf.SetBad()
	if kf.IsBad() {
		t.Fatal("origin keyframe must never be marked bad")
	}
}

func TestKeyFrameSetBadDeferredWhilePinned(t *testing.T) {
	m := NewMap(testPyramid())
	kf := newTestKeyFrame(t, m, 3)

	kf.SetNotErase()
	kf.SetBad()
	if kf.IsBad() {
		t.Fatal("expected SetBad to defer while pinned")
	}

	kf.SetErase()
	if !kf.IsBad() {
		t.Fatal("expected deferred SetBad to run once the last pin is released")
	}
}

func TestKeyFrameSetBadIdempotent(t *testing.T) {
	m := NewMap(testPyramid())
	kf := newTestKeyFrame(t, m, 3)
	kf.SetBad()
	kf.SetBad()
	if !kf.IsBad() {
		t.Fatal("expected keyframe to be bad")
	}
}

func TestKeyFrameMapPointAssociation(t *testing.T) {
	m := NewMap(testPyramid())
	kf := newTestKeyFrame(t, m, 3)
	mp := m.CreateMapPoint(Vec3{0, 0, 1}, kf, Descriptor{})

	kf.SetMapPointAt(0, mp)
	if kf.MapPointAt(0) != mp {
		t.Fatal("expected slot 0 to hold mp")
	}
	if !kf.observesPoint(mp) {
		t.Fatal("expected observesPoint to find mp")
	}

	kf.EraseMapPointAt(0)
	if kf.MapPointAt(0) != nil {
		t.Fatal("expected slot 0 to be cleared")
	}
}

func TestKeyFrameUpdateConnectionsBuildsCovisibility(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 5)
	kf2 := newTestKeyFrame(t, m, 5)
	kf3 := newTestKeyFrame(t, m, 5)

	// kf1 and kf2 share 3 points; kf1 and kf3 share only 1.
	for i := 0; i < 3; i++ {
		mp := m.CreateMapPoint(Vec3{float64(i), 0, 1}, kf1, Descriptor{})
		mp.AddObservation(kf1, i)
		mp.AddObservation(kf2, i)
		kf1.setMapPointAt(i, mp)
		kf2.setMapPointAt(i, mp)
	}
	mp := m.CreateMapPoint(Vec3{9, 0, 1}, kf1, Descriptor{})
	mp.AddObservation(kf1, 3)
	mp.AddObservation(kf3, 3)
	kf1.setMapPointAt(3, mp)
	kf3.setMapPointAt(3, mp)

	kf1.UpdateConnections(1)

	if w := kf1.Weight(kf2.ID()); w != 3 {
		t.Errorf("expected weight 3 to kf2, got %d", w)
	}
	if w := kf1.Weight(kf3.ID()); w != 1 {
		t.Errorf("expected weight 1 to kf3, got %d", w)
	}
	best := kf1.BestCovisible(1)
	if len(best) != 1 || best[0] != kf2.ID() {
		t.Errorf("expected best covisible to be kf2, got %v", best)
	}
}

func TestKeyFrameSpanningTreeReparenting(t *testing.T) {
	m := NewMap(testPyramid())
	root := newTestKeyFrame(t, m, 3)
	root.SetOrigin()
	child := newTestKeyFrame(t, m, 3)
	grandchild := newTestKeyFrame(t, m, 3)

	child.ChangeParent(root)
	grandchild.ChangeParent(child)

	if grandchild.Parent() != child {
		t.Fatal("expected grandchild's parent to be child")
	}

	child.SetBad()

	if grandchild.Parent() == child {
		t.Fatal("expected grandchild to be reparented away from deleted child")
	}
	if grandchild.Parent() == nil {
		t.Fatal("expected grandchild to gain a new parent after child deletion")
	}
}

func TestKeyFrameLoopEdgesPinBothEnds(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 3)
	kf2 := newTestKeyFrame(t, m, 3)

	kf1.AddLoopEdge(kf2)
	kf2.AddLoopEdge(kf1)

	if len(kf1.LoopEdges()) != 1 || kf1.LoopEdges()[0] != kf2 {
		t.Fatal("expected kf1 to record kf2 as a loop edge")
	}

	// AddLoopEdge pins (not_erase); a SetBad request made right after
	// should defer rather than apply immediately.
	kf1.SetBad()
	if kf1.IsBad() {
		t.Fatal("expected SetBad to defer because AddLoopEdge pinned the keyframe")
	}
}

func TestKeyFrameSetBadRetiresLoopEdges(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 3)
	kf2 := newTestKeyFrame(t, m, 3)
	kf2.SetOrigin()

	kf1.AddLoopEdge(kf2)
	kf2.AddLoopEdge(kf1)
	// Release the pin AddLoopEdge took, so SetBad applies immediately.
	kf1.SetErase()

	kf1.SetBad()
	if !kf1.IsBad() {
		t.Fatal("expected kf1 to be marked bad once unpinned")
	}

	for _, e := range kf2.LoopEdges() {
		if e == kf1 {
			t.Fatal("expected kf2 to drop its loop edge to the deleted keyframe")
		}
	}
	if len(kf1.LoopEdges()) != 0 {
		t.Error("expected a deleted keyframe's own loop edges to be cleared")
	}
}

func TestComputePoseFromTcwCameraCenter(t *testing.T) {
	// Identity pose: camera center should sit at the world origin.
	p := computePoseFromTcw(IdentityPose().Tcw)
	if p.Ow != (Vec3{0, 0, 0}) {
		t.Errorf("expected identity pose camera center at origin, got %v", p.Ow)
	}
}

func TestKeyFrameTimestampAndFrameID(t *testing.T) {
	m := NewMap(testPyramid())
	now := time.Now()
	f := NewFrame(42, now, testFeatureSet(2), nil)
	kf := m.CreateKeyFrame(f, IdentityPose())

	if kf.FrameID() != 42 {
		t.Errorf("expected FrameID 42, got %d", kf.FrameID())
	}
	if !kf.Timestamp().Equal(now) {
		t.Errorf("expected timestamp to match source frame")
	}
}
