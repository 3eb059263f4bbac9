package mapstore

import (
	"context"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/slam"
)

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

// buildTestMap builds a small map with two keyframes, a spanning-tree
// parent/child edge, a loop edge, and n shared map points so a snapshot
// round trip has every kind of edge to check.
func buildTestMap(t *testing.T, n int) *slam.Map {
	t.Helper()
	m := slam.NewMap(testPyramid())

	fs0 := slam.FeatureSet{Keypoints: make([]slam.KeyPoint, n), Descriptors: make([]slam.Descriptor, n)}
	frame0 := slam.NewFrame(0, time.Now(), fs0, nil)
	kf0 := m.CreateKeyFrame(frame0, slam.IdentityPose())
	kf0.SetOrigin()

	fs1 := slam.FeatureSet{Keypoints: make([]slam.KeyPoint, n), Descriptors: make([]slam.Descriptor, n)}
	frame1 := slam.NewFrame(1, time.Now(), fs1, nil)
	kf1 := m.CreateKeyFrame(frame1, slam.PoseFromTcw(identityTcw()))
	kf1.ChangeParent(kf0)
	kf1.AddLoopEdge(kf0)

	for i := 0; i < n; i++ {
		pos := slam.Vec3{float64(i), float64(i) * 0.5, 4 + float64(i)*0.1}
		desc := slam.Descriptor{uint64(i), 0, 0, 0}
		mp := m.CreateMapPoint(pos, kf0, desc)
		kf0.SetMapPointAt(i, mp)
		mp.AddObservation(kf0, i)
		kf1.SetMapPointAt(i, mp)
		mp.AddObservation(kf1, i)
	}
	kf0.AddConnection(kf1.ID(), n)
	kf1.AddConnection(kf0.ID(), n)

	return m
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "test-run")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotAndLatest(t *testing.T) {
	s := openTestStore(t)
	m := buildTestMap(t, 10)

	id, err := s.Snapshot(m, "unit_test")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected a positive snapshot id, got %d", id)
	}

	latest, ok, err := s.Latest(s.RunID())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a snapshot to exist")
	}
	if latest.SnapshotID != id {
		t.Errorf("expected latest id %d, got %d", id, latest.SnapshotID)
	}
	if latest.KeyFrameCount != 2 {
		t.Errorf("expected 2 keyframes recorded, got %d", latest.KeyFrameCount)
	}
	if latest.MapPointCount != 10 {
		t.Errorf("expected 10 map points recorded, got %d", latest.MapPointCount)
	}
	if latest.Reason != "unit_test" {
		t.Errorf("expected reason to round-trip, got %q", latest.Reason)
	}
	if latest.MedianDepth <= 0 {
		t.Errorf("expected a positive median depth, got %v", latest.MedianDepth)
	}
}

func TestRestoreRebuildsGraph(t *testing.T) {
	s := openTestStore(t)
	m := buildTestMap(t, 6)

	id, err := s.Snapshot(m, "before_restore")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored, err := s.Restore(id)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if restored.NumKeyFrames() != m.NumKeyFrames() {
		t.Fatalf("expected %d keyframes, got %d", m.NumKeyFrames(), restored.NumKeyFrames())
	}
	if restored.NumMapPoints() != m.NumMapPoints() {
		t.Fatalf("expected %d map points, got %d", m.NumMapPoints(), restored.NumMapPoints())
	}

	kf0 := restored.KeyFrame(0)
	kf1 := restored.KeyFrame(1)
	if kf0 == nil || kf1 == nil {
		t.Fatal("expected both keyframes to survive the round trip")
	}
	if !kf0.IsOrigin() {
		t.Error("expected the origin keyframe to survive the round trip")
	}
	if kf1.Parent() == nil || kf1.Parent().ID() != kf0.ID() {
		t.Error("expected the spanning-tree parent edge to survive the round trip")
	}
	foundLoopEdge := false
	for _, e := range kf1.LoopEdges() {
		if e.ID() == kf0.ID() {
			foundLoopEdge = true
		}
	}
	if !foundLoopEdge {
		t.Error("expected the loop edge to survive the round trip")
	}
	if kf0.Weight(kf1.ID()) != 6 {
		t.Errorf("expected covisibility weight 6, got %d", kf0.Weight(kf1.ID()))
	}

	mp := kf0.MapPointAt(0)
	if mp == nil {
		t.Fatal("expected map point 0 to survive the round trip")
	}
	if mp.NumObservations() != 2 {
		t.Errorf("expected 2 observations on a shared map point, got %d", mp.NumObservations())
	}
}

func TestFindDuplicateSnapshots(t *testing.T) {
	s := openTestStore(t)
	m := buildTestMap(t, 4)

	id1, err := s.Snapshot(m, "first")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	// Snapshotting the same unchanged map again produces an identical
	// payload checksum (ids, poses, and edges are all deterministic; only
	// the reason and timestamp differ), so it should be reported as a
	// duplicate of id1.
	id2, err := s.Snapshot(m, "second")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	groups, err := s.FindDuplicateSnapshots(s.RunID())
	if err != nil {
		t.Fatalf("FindDuplicateSnapshots failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected exactly one duplicate group, got %d", len(groups))
	}
	g := groups[0]
	if g.KeepID != id1 {
		t.Errorf("expected the oldest snapshot %d to be kept, got %d", id1, g.KeepID)
	}
	if len(g.DeleteIDs) != 1 || g.DeleteIDs[0] != id2 {
		t.Errorf("expected snapshot %d to be flagged for deletion, got %v", id2, g.DeleteIDs)
	}
}

func TestPruneKeepsOnlyMostRecent(t *testing.T) {
	s := openTestStore(t)
	m := buildTestMap(t, 3)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Snapshot(m, "prune_test")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		ids = append(ids, id)
	}

	deleted, err := s.Prune(context.Background(), s.RunID(), 2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 rows pruned, got %d", deleted)
	}

	remaining, err := s.List(s.RunID(), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining snapshots, got %d", len(remaining))
	}
	if remaining[0].SnapshotID != ids[len(ids)-1] {
		t.Errorf("expected the most recent snapshot to survive pruning, got %d", remaining[0].SnapshotID)
	}
}

func TestSnapshotWorkerRunOnce(t *testing.T) {
	s := openTestStore(t)
	m := buildTestMap(t, 5)

	w := NewSnapshotWorker(s, m, time.Hour, "periodic")
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	latest, ok, err := s.Latest(s.RunID())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !ok {
		t.Fatal("expected RunOnce to have stored a snapshot")
	}
	if latest.Reason != "periodic" {
		t.Errorf("expected reason 'periodic', got %q", latest.Reason)
	}
}
