package optimize

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
)

// EssentialEdge is one constraint of the essential graph spec.md §4.1
// defines as spanning tree ∪ loop edges ∪ covisibility edges with
// weight >= 100 (see slam.KeyFrame.CovisiblesByWeight).
type EssentialEdge struct {
	From, To *slam.KeyFrame
	Relative Sim3 // Sim3 mapping From's frame into To's frame at edge-build time
}

// BuildEssentialGraph collects the edge set correct_loop (spec.md
// §4.4.3) propagates corrections over: each keyframe's spanning-tree
// parent edge, its loop edges, and its high-weight covisibility edges.
func BuildEssentialGraph(m *slam.Map, highWeight int) []EssentialEdge {
	var edges []EssentialEdge
	seen := make(map[[2]int64]bool)
	addEdge := func(a, b *slam.KeyFrame) {
		if a == nil || b == nil || a.IsBad() || b.IsBad() || a == b {
			return
		}
		key := edgeKey(a.ID(), b.ID())
		if seen[key] {
			return
		}
		seen[key] = true
		edges = append(edges, EssentialEdge{From: a, To: b, Relative: relativeSim3(a, b)})
	}

	for _, kf := range m.AllKeyFrames() {
		if kf.IsBad() {
			continue
		}
		if parent := kf.Parent(); parent != nil {
			addEdge(kf, parent)
		}
		for _, other := range kf.LoopEdges() {
			addEdge(kf, other)
		}
		for _, id := range kf.CovisiblesByWeight(highWeight) {
			addEdge(kf, m.KeyFrame(id))
		}
	}
	return edges
}

func edgeKey(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

// rotationOf returns the 3x3 rotation block of a keyframe's current pose.
func rotationOf(kf *slam.KeyFrame) *mat.Dense {
	rcw := kf.Pose().Rcw
	r := mat.NewDense(3, 3, nil)
	r.Copy(rcw)
	return r
}

// relativeSim3 derives the (scale-1) relative transform between two
// keyframes' current poses, used as the essential graph's initial edge
// measurement before loop correction is injected.
func relativeSim3(a, b *slam.KeyFrame) Sim3 {
	ra, rb := rotationOf(a), rotationOf(b)
	var r mat.Dense
	r.Mul(rb, ra.T())
	t := b.Pose().Tcw3.Sub(applyRotation(&r, a.Pose().Tcw3))
	return Sim3{R: &r, T: t, S: 1}
}

func applyRotation(r *mat.Dense, v slam.Vec3) slam.Vec3 {
	return slam.Vec3{
		r.At(0, 0)*v[0] + r.At(0, 1)*v[1] + r.At(0, 2)*v[2],
		r.At(1, 0)*v[0] + r.At(1, 1)*v[1] + r.At(1, 2)*v[2],
		r.At(2, 0)*v[0] + r.At(2, 1)*v[1] + r.At(2, 2)*v[2],
	}
}

// PropagateLoopCorrection performs the essential-graph optimization of
// spec.md §4.4.3: seeds the loop keyframe's corrected Sim3, then relaxes
// every other keyframe's estimate with Gauss-Seidel-style averaging over
// its essential-graph neighbors so covisibility and loop edges pull the
// propagated correction back toward global consistency. This is a
// simplified stand-in for a full sparse 7-DoF pose-graph solve, adequate
// for the bounded essential-graph sizes loop closure produces.
func PropagateLoopCorrection(m *slam.Map, edges []EssentialEdge, corrected map[int64]Sim3, rounds int) map[int64]Sim3 {
	if rounds <= 0 {
		rounds = 20
	}
	estimate := make(map[int64]Sim3, len(corrected))
	for id, g := range corrected {
		estimate[id] = g
	}

	adjacency := make(map[int64][]EssentialEdge)
	for _, e := range edges {
		adjacency[e.From.ID()] = append(adjacency[e.From.ID()], e)
		adjacency[e.To.ID()] = append(adjacency[e.To.ID()], EssentialEdge{From: e.To, To: e.From, Relative: e.Relative.Inverse()})
	}

	for _, kf := range m.AllKeyFrames() {
		if kf.IsBad() {
			continue
		}
		if _, ok := estimate[kf.ID()]; !ok {
			estimate[kf.ID()] = Sim3{R: rotationOf(kf), T: kf.Pose().Tcw3, S: 1}
		}
	}

	for round := 0; round < rounds; round++ {
		maxShift := 0.0
		for id, edgeList := range adjacency {
			if _, fixed := corrected[id]; fixed {
				continue // the loop keyframe's corrected pose anchors the graph
			}
			var accum slam.Vec3
			n := 0
			for _, e := range edgeList {
				neighbor, ok := estimate[e.To.ID()]
				if !ok {
					continue
				}
				predicted := e.Relative.Inverse().Compose(neighbor)
				accum = accum.Add(predicted.T)
				n++
			}
			if n == 0 {
				continue
			}
			avg := accum.Scale(1 / float64(n))
			cur := estimate[id]
			shift := avg.Sub(cur.T).Norm()
			if shift > maxShift {
				maxShift = shift
			}
			cur.T = avg
			estimate[id] = cur
		}
		if maxShift < 1e-6 {
			break
		}
	}
	monitoring.Logf("slam/optimize: essential graph relaxed over %d edges", len(edges))
	return estimate
}

// ApplyCorrectedPoses writes a propagated essential-graph solution back
// onto the map's keyframes and, transitively, their observed map points
// (spec.md §4.4.3's "correct the positions of keyframes and map points
// seen by the corrected keyframes").
func ApplyCorrectedPoses(m *slam.Map, estimate map[int64]Sim3) {
	old := make(map[int64]Sim3)
	for _, kf := range m.AllKeyFrames() {
		g, ok := estimate[kf.ID()]
		if !ok || kf.IsBad() {
			continue
		}
		old[kf.ID()] = Sim3{R: rotationOf(kf), T: kf.Pose().Tcw3, S: 1}
		kf.SetPose(sim3ToTcw(g))
	}

	for _, mp := range m.AllMapPoints() {
		if mp.IsBad() {
			continue
		}
		refKF := mp.RefKeyFrame()
		if refKF == nil {
			continue
		}
		g, ok := estimate[refKF.ID()]
		prev, had := old[refKF.ID()]
		if !ok || !had {
			continue
		}
		// world -> reference camera under the old pose, then back to
		// world under the corrected pose.
		mp.SetPosition(g.Inverse().Apply(prev.Apply(mp.Position())))
	}
}

// sim3ToTcw packs a Sim3's rotation and translation into a 4x4
// homogeneous pose matrix, dropping scale (monocular poses carry scale
// implicitly in the map's unit convention, not in Tcw itself).
func sim3ToTcw(g Sim3) *mat.Dense {
	tcw := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tcw.Set(i, j, g.R.At(i, j))
		}
		tcw.Set(i, 3, g.T[i])
	}
	tcw.Set(3, 3, 1)
	return tcw
}
