package slam

import "testing"

func bowOf(words ...uint32) BowVector {
	v := make(BowVector)
	for _, w := range words {
		v[w] = 1.0
	}
	return v
}

func TestBowVectorScore(t *testing.T) {
	a := BowVector{1: 0.5, 2: 0.5}
	b := BowVector{2: 0.5, 3: 0.5}

	if got := a.Score(b); got != 0.25 {
		t.Errorf("expected score 0.25, got %v", got)
	}
	if got := a.Score(BowVector{}); got != 0 {
		t.Errorf("expected score 0 against empty vector, got %v", got)
	}
}

func TestKeyFrameDatabaseAddEraseQuery(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 3)
	kf2 := newTestKeyFrame(t, m, 3)
	kf1.SetBow(bowOf(1, 2, 3), nil)
	kf2.SetBow(bowOf(1, 2, 9), nil)

	db := NewKeyFrameDatabase()
	db.Add(kf1)
	db.Add(kf2)

	candidates := db.DetectLoopCandidates(kf1, 1)
	found := false
	for _, c := range candidates {
		if c.ID() == kf2.ID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected kf2 among loop candidates for kf1, got %v", candidates)
	}

	db.Erase(kf2)
	candidates = db.DetectLoopCandidates(kf1, 1)
	for _, c := range candidates {
		if c.ID() == kf2.ID() {
			t.Fatal("expected kf2 to be absent from candidates after Erase")
		}
	}
}

func TestKeyFrameDatabaseExcludesOwnCovisibility(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 5)
	kf2 := newTestKeyFrame(t, m, 5)
	kf1.SetBow(bowOf(1, 2, 3), nil)
	kf2.SetBow(bowOf(1, 2, 3), nil)

	// Establish covisibility between kf1 and kf2 directly.
	for i := 0; i < 3; i++ {
		mp := m.CreateMapPoint(Vec3{float64(i), 0, 1}, kf1, Descriptor{})
		mp.AddObservation(kf1, i)
		mp.AddObservation(kf2, i)
		kf1.setMapPointAt(i, mp)
		kf2.setMapPointAt(i, mp)
	}
	kf1.UpdateConnections(1)
	kf2.UpdateConnections(1)

	db := NewKeyFrameDatabase()
	db.Add(kf1)
	db.Add(kf2)

	candidates := db.DetectLoopCandidates(kf1, 1)
	for _, c := range candidates {
		if c.ID() == kf2.ID() {
			t.Fatal("expected covisible neighbor kf2 to be excluded from loop candidates")
		}
	}
}

func TestKeyFrameDatabaseRelocalizationCandidates(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 3)
	kf1.SetBow(bowOf(5, 6, 7), nil)

	db := NewKeyFrameDatabase()
	db.Add(kf1)

	f := NewFrame(0, kf1.Timestamp(), testFeatureSet(3), nil)
	f.SetBow(bowOf(5, 6), nil)

	candidates := db.DetectRelocalizationCandidates(f, 1)
	if len(candidates) != 1 || candidates[0].ID() != kf1.ID() {
		t.Fatalf("expected kf1 as relocalization candidate, got %v", candidates)
	}
}

func TestKeyFrameDatabaseClear(t *testing.T) {
	m := NewMap(testPyramid())
	kf1 := newTestKeyFrame(t, m, 3)
	kf1.SetBow(bowOf(1), nil)

	db := NewKeyFrameDatabase()
	db.Add(kf1)
	db.Clear()

	candidates := db.DetectRelocalizationCandidates(&Frame{bowComputed: true, bow: bowOf(1)}, 1)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates after Clear, got %v", candidates)
	}
}
