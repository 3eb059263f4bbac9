// Package orbmatch holds the shared feature-matching and epipolar/
// triangulation geometry primitives every tracking, mapping and loop
// closing routine calls into (spec.md §4.6).
package orbmatch

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/slam"
)

// DefaultRatio is the default best/second-best descriptor distance ratio test
// threshold used throughout §4.6 ("best < 0.9 x second-best").
const DefaultRatio = 0.9

// HistogramBins is the number of orientation-difference buckets used by
// the rotation-consistency filter.
const HistogramBins = 30

// Match pairs a keypoint index in one feature set with one in another,
// plus the descriptor distance that produced it.
type Match struct {
	Idx1, Idx2 int
	Distance   int
}

// RatioTest reports whether best is an acceptable match given the
// second-best distance at the configured ratio.
func RatioTest(best, secondBest int, ratio float64) bool {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	return float64(best) < ratio*float64(secondBest)
}

// orientationHistogram buckets match index pairs by the rounded
// difference of the two keypoints' orientations (§4.6's rotation
// consistency check, used by SearchByBoW and SearchForTriangulation).
// Returns the matches that belong to the top-3 most populated bins; all
// others are rejected as rotation-inconsistent.
func orientationHistogramFilter(matches []Match, angle1, angle2 func(int) float64) []Match {
	if len(matches) < 1 {
		return matches
	}
	factor := float64(HistogramBins) / 360.0
	buckets := make([][]int, HistogramBins)
	for i, m := range matches {
		diff := angle1(m.Idx1) - angle2(m.Idx2)
		deg := diff * 180 / math.Pi
		for deg < 0 {
			deg += 360
		}
		for deg >= 360 {
			deg -= 360
		}
		bin := int(deg * factor)
		if bin >= HistogramBins {
			bin = 0
		}
		buckets[bin] = append(buckets[bin], i)
	}

	type binCount struct {
		bin   int
		count int
	}
	counts := make([]binCount, HistogramBins)
	for i, b := range buckets {
		counts[i] = binCount{i, len(b)}
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].count > counts[j].count })

	keep := make(map[int]bool)
	for i := 0; i < 3 && i < len(counts); i++ {
		if counts[i].count == 0 {
			continue
		}
		for _, idx := range buckets[counts[i].bin] {
			keep[idx] = true
		}
	}

	out := make([]Match, 0, len(keep))
	for i, m := range matches {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// radiusForOctaveDelta mirrors the common "th scaled by octave" window
// used by every projection-search routine in §4.2/§4.3.
func radiusForOctaveDelta(th float64, scaleFactorAtOctave float64) float64 {
	return th * scaleFactorAtOctave
}

// SearchByProjection matches unassigned keypoints of f to the given
// candidate map points by projecting each point's predicted image
// position and searching within a radius scaled by its predicted octave
// (spec.md §4.2.1, §4.2.3). Returns the number of newly assigned
// matches.
func SearchByProjection(f *slam.Frame, points []*slam.MapPoint, th float64) int {
	matched := 0
	for _, mp := range points {
		if mp == nil || mp.IsBad() {
			continue
		}
		center := f.CameraCenter()
		pos := mp.Position()
		dir := pos.Sub(center)
		d := dir.Norm()
		if d <= 0 {
			continue
		}
		octave := mp.PredictOctave(d)
		radius := radiusForOctaveDelta(th, f.ScaleFactorAtOctave(octave))

		proj, ok := project(f, pos)
		if !ok {
			continue
		}
		candidates := f.FeaturesInArea(proj[0], proj[1], radius, octave-1, octave+1)
		if len(candidates) == 0 {
			continue
		}

		bestDist, best, secondDist := -1, -1, -1
		desc := mp.Descriptor()
		for _, idx := range candidates {
			if f.MapPoints[idx] != nil {
				continue
			}
			dist := slam.HammingDistance(desc, f.Descriptors[idx])
			if bestDist == -1 || dist < bestDist {
				secondDist = bestDist
				bestDist = dist
				best = idx
			} else if secondDist == -1 || dist < secondDist {
				secondDist = dist
			}
		}
		if best == -1 || bestDist > slam.LowThreshold {
			continue
		}
		if secondDist != -1 && !RatioTest(bestDist, secondDist, DefaultRatio) {
			continue
		}
		f.MapPoints[best] = mp
		mp.IncrementFound(1)
		matched++
	}
	return matched
}

// project returns the pinhole projection of a world point into frame f,
// or ok=false if behind the camera or outside the image bounds.
func project(f *slam.Frame, world slam.Vec3) (slam.Vec3, bool) {
	pose := f.Pose()
	// camera-frame coordinates: Xc = Rcw*Xw + tcw
	rcw := pose.Rcw
	var xc [3]float64
	for i := 0; i < 3; i++ {
		xc[i] = rcw.At(i, 0)*world[0] + rcw.At(i, 1)*world[1] + rcw.At(i, 2)*world[2] + pose.Tcw3[i]
	}
	if xc[2] <= 0 {
		return slam.Vec3{}, false
	}
	u := f.Calib.Fx*xc[0]/xc[2] + f.Calib.Cx
	v := f.Calib.Fy*xc[1]/xc[2] + f.Calib.Cy
	if u < f.Calib.MinX || u >= f.Calib.MaxX || v < f.Calib.MinY || v >= f.Calib.MaxY {
		return slam.Vec3{}, false
	}
	return slam.Vec3{u, v, xc[2]}, true
}

// SearchByBoW matches keypoints of two keyframes restricted to pairs
// sharing a vocabulary node. Nothing in this module calls it: Tracking
// uses its own frame-to-keyframe BoW matcher and LocalMapping uses
// SearchForTriangulation.
func SearchByBoW(kf1, kf2 *slam.KeyFrame) []Match {
	fv1, fv2 := kf1.FeatureVec(), kf2.FeatureVec()
	var matches []Match
	used2 := make(map[int]bool)

	for word, idxs1 := range fv1 {
		idxs2, ok := fv2[word]
		if !ok {
			continue
		}
		for _, i1 := range idxs1 {
			if kf1.MapPointAt(i1) != nil {
				continue
			}
			bestDist, best, secondDist := -1, -1, -1
			for _, i2 := range idxs2 {
				if used2[i2] || kf2.MapPointAt(i2) != nil {
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
			if secondDist != -1 && !RatioTest(bestDist, secondDist, DefaultRatio) {
				continue
			}
			matches = append(matches, Match{i1, best, bestDist})
			used2[best] = true
		}
	}

	return orientationHistogramFilter(matches,
		func(i int) float64 { return kf1.KeypointAt(i).Angle },
		func(i int) float64 { return kf2.KeypointAt(i).Angle })
}

// FundamentalMatrix computes F_12 from two keyframes' relative pose and
// shared intrinsics (spec.md §4.3 create_new_map_points): F = K2^-T [t]_x R K1^-1
// where R, t are the relative pose of keyframe 2 with respect to 1.
func FundamentalMatrix(kf1, kf2 *slam.KeyFrame) *mat.Dense {
	p1, p2 := kf1.Pose(), kf2.Pose()
	r12, t12 := relativePose(p1, p2)

	skew := mat.NewDense(3, 3, []float64{
		0, -t12[2], t12[1],
		t12[2], 0, -t12[0],
		-t12[1], t12[0], 0,
	})

	k1 := intrinsicMatrix(kf1.Calib)
	k2 := intrinsicMatrix(kf2.Calib)

	var k1Inv, k2InvT mat.Dense
	if err := k1Inv.Inverse(k1); err != nil {
		return nil
	}
	var k2T mat.Dense
	k2T.CloneFrom(k2.T())
	if err := k2InvT.Inverse(&k2T); err != nil {
		return nil
	}

	var tR mat.Dense
	tR.Mul(skew, r12)
	var f mat.Dense
	f.Mul(&k2InvT, &tR)
	var out mat.Dense
	out.Mul(&f, &k1Inv)
	return &out
}

func intrinsicMatrix(c slam.Calibration) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.Fx, 0, c.Cx,
		0, c.Fy, c.Cy,
		0, 0, 1,
	})
}

// relativePose returns (R12, t12) expressing keyframe 2's pose relative
// to keyframe 1: X2 = R12*X1 + t12.
func relativePose(p1, p2 slam.Pose) (*mat.Dense, slam.Vec3) {
	var r1T mat.Dense
	r1T.CloneFrom(p1.Rcw.T())
	var r12 mat.Dense
	r12.Mul(p2.Rcw, &r1T)

	// t12 = t2cw - R12 * t1cw
	var r12t1 mat.VecDense
	r12t1.MulVec(&r12, mat.NewVecDense(3, []float64{p1.Tcw3[0], p1.Tcw3[1], p1.Tcw3[2]}))
	t12 := slam.Vec3{
		p2.Tcw3[0] - r12t1.AtVec(0),
		p2.Tcw3[1] - r12t1.AtVec(1),
		p2.Tcw3[2] - r12t1.AtVec(2),
	}
	return &r12, t12
}

// EpipolarDistance returns the point-to-line distance (in pixels,
// squared-error units consistent with sigma^2 weighting) of keypoint
// (u2,v2) to the epipolar line F*[u1,v1,1]^T.
func EpipolarDistance(f *mat.Dense, u1, v1, u2, v2 float64) float64 {
	a := f.At(0, 0)*u1 + f.At(0, 1)*v1 + f.At(0, 2)
	b := f.At(1, 0)*u1 + f.At(1, 1)*v1 + f.At(1, 2)
	c := f.At(2, 0)*u1 + f.At(2, 1)*v1 + f.At(2, 2)
	num := a*u2 + b*v2 + c
	den := a*a + b*b
	if den == 0 {
		return math.Inf(1)
	}
	return (num * num) / den
}

// SearchForTriangulation finds candidate correspondences between two
// keyframes restricted by BoW node, descriptor distance, ratio test,
// orientation consistency, and an epipolar-distance gate (spec.md §4.3
// create_new_map_points step 3).
func SearchForTriangulation(kf1, kf2 *slam.KeyFrame, f *mat.Dense, epipolarThreshold float64) []Match {
	fv1, fv2 := kf1.FeatureVec(), kf2.FeatureVec()
	var matches []Match
	used2 := make(map[int]bool)

	for word, idxs1 := range fv1 {
		idxs2, ok := fv2[word]
		if !ok {
			continue
		}
		for _, i1 := range idxs1 {
			if kf1.MapPointAt(i1) != nil {
				continue
			}
			kp1 := kf1.KeypointAt(i1)
			bestDist, best, secondDist := -1, -1, -1
			for _, i2 := range idxs2 {
				if used2[i2] || kf2.MapPointAt(i2) != nil {
					continue
				}
				kp2 := kf2.KeypointAt(i2)
				sigma2 := kf2.LevelSigma2(kp2.Octave)
				if EpipolarDistance(f, kp1.X, kp1.Y, kp2.X, kp2.Y) > epipolarThreshold*sigma2 {
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
			if secondDist != -1 && !RatioTest(bestDist, secondDist, DefaultRatio) {
				continue
			}
			matches = append(matches, Match{i1, best, bestDist})
			used2[best] = true
		}
	}

	return orientationHistogramFilter(matches,
		func(i int) float64 { return kf1.KeypointAt(i).Angle },
		func(i int) float64 { return kf2.KeypointAt(i).Angle })
}

// Triangulate reconstructs a 3D point from two keyframe observations by
// linear SVD (DLT), spec.md §4.3 "triangulate by linear SVD".
func Triangulate(kf1, kf2 *slam.KeyFrame, kp1, kp2 slam.KeyPoint) slam.Vec3 {
	p1 := projectionMatrix(kf1)
	p2 := projectionMatrix(kf2)

	a := mat.NewDense(4, 4, []float64{
		kp1.X*p1.At(2, 0) - p1.At(0, 0), kp1.X*p1.At(2, 1) - p1.At(0, 1), kp1.X*p1.At(2, 2) - p1.At(0, 2), kp1.X*p1.At(2, 3) - p1.At(0, 3),
		kp1.Y*p1.At(2, 0) - p1.At(1, 0), kp1.Y*p1.At(2, 1) - p1.At(1, 1), kp1.Y*p1.At(2, 2) - p1.At(1, 2), kp1.Y*p1.At(2, 3) - p1.At(1, 3),
		kp2.X*p2.At(2, 0) - p2.At(0, 0), kp2.X*p2.At(2, 1) - p2.At(0, 1), kp2.X*p2.At(2, 2) - p2.At(0, 2), kp2.X*p2.At(2, 3) - p2.At(0, 3),
		kp2.Y*p2.At(2, 0) - p2.At(1, 0), kp2.Y*p2.At(2, 1) - p2.At(1, 1), kp2.Y*p2.At(2, 2) - p2.At(1, 2), kp2.Y*p2.At(2, 3) - p2.At(1, 3),
	})

	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDFull)
	if !ok {
		return slam.Vec3{}
	}
	var v mat.Dense
	svd.VTo(&v)
	// Last column of V (smallest singular value) is the homogeneous solution.
	w := v.At(3, 3)
	if w == 0 {
		return slam.Vec3{}
	}
	return slam.Vec3{v.At(0, 3) / w, v.At(1, 3) / w, v.At(2, 3) / w}
}

func projectionMatrix(kf *slam.KeyFrame) *mat.Dense {
	pose := kf.Pose()
	k := intrinsicMatrix(kf.Calib)
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, pose.Rcw.At(i, j))
		}
		rt.Set(i, 3, pose.Tcw3[i])
	}
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

// Fuse projects every point in points into kf and either attaches it to
// an unassigned compatible keypoint, or merges it with an existing
// observation's map point (keeping the one with more observations, the
// existing one on a tie), per spec.md
// §4.3 search_in_neighbors / §4.4.3 loop map point fusion. Returns the
// count of fused/attached points.
func Fuse(kf *slam.KeyFrame, points []*slam.MapPoint, th float64) int {
	fused := 0
	for _, mp := range points {
		if mp == nil || mp.IsBad() || kf.ObservesPoint(mp) {
			continue
		}
		center := kf.CameraCenter()
		pos := mp.Position()
		d := pos.Sub(center).Norm()
		if d <= 0 {
			continue
		}
		octave := mp.PredictOctave(d)
		radius := radiusForOctaveDelta(th, kf.ScaleFactorAtOctave(octave))

		pose := kf.Pose()
		var xc [3]float64
		for i := 0; i < 3; i++ {
			xc[i] = pose.Rcw.At(i, 0)*pos[0] + pose.Rcw.At(i, 1)*pos[1] + pose.Rcw.At(i, 2)*pos[2] + pose.Tcw3[i]
		}
		if xc[2] <= 0 {
			continue
		}
		u := kf.Calib.Fx*xc[0]/xc[2] + kf.Calib.Cx
		v := kf.Calib.Fy*xc[1]/xc[2] + kf.Calib.Cy
		candidates := kf.FeaturesInArea(u, v, radius, octave-1, octave+1)
		if len(candidates) == 0 {
			continue
		}

		bestDist, best := -1, -1
		desc := mp.Descriptor()
		for _, idx := range candidates {
			dist := slam.HammingDistance(desc, kf.DescriptorAt(idx))
			if bestDist == -1 || dist < bestDist {
				bestDist = dist
				best = idx
			}
		}
		if best == -1 || bestDist > slam.LowThreshold {
			continue
		}

		existing := kf.MapPointAt(best)
		if existing == nil {
			kf.SetMapPointAt(best, mp)
			mp.AddObservation(kf, best)
		} else if existing != mp {
			if existing.NumObservations() >= mp.NumObservations() {
				mp.Replace(existing)
			} else {
				existing.Replace(mp)
			}
		}
		fused++
	}
	return fused
}
