// Package initmap holds the two-view monocular initializer: dual
// homography/fundamental RANSAC, model selection, motion-hypothesis
// enumeration and scoring (spec.md §4.5).
package initmap

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/orbmatch"
)

// Config holds the Initializer's tunable RANSAC parameters (spec.md
// §4.5; sourced from internal/config.SLAMConfig at construction).
type Config struct {
	Iterations   int
	Sigma        float64
	MinMatches   int
	MinGoodPoints int
}

// DefaultConfig matches spec.md's stated defaults (200 iterations,
// sigma=1.0, >=100 matches to attempt initialization, >=50 good
// triangulated points to accept a hypothesis).
func DefaultConfig() Config {
	return Config{Iterations: 200, Sigma: 1.0, MinMatches: 100, MinGoodPoints: 50}
}

// Result is the outcome of a successful two-view initialization: the
// relative pose of the current frame with respect to the reference, the
// triangulated 3D points (in the reference frame), and which of the
// input matches actually triangulated.
type Result struct {
	R            *mat.Dense
	T            slam.Vec3
	Points       []slam.Vec3
	Triangulated []bool

	// RefIdx/CurIdx are parallel to Points/Triangulated: RefIdx[i]/CurIdx[i]
	// are the reference/current frame keypoint indices that produced
	// Points[i], letting the caller wire the new MapPoint back onto both
	// keyframes' keypoints.
	RefIdx []int
	CurIdx []int
}

// Initializer is owned by Tracking: it holds the reference frame across
// the NOT_INITIALIZED attempts until a two-view reconstruction succeeds
// or the reference is dropped and re-armed (spec.md §4.2, §4.5).
type Initializer struct {
	cfg Config
	ref *slam.Frame
}

// New returns an Initializer armed with the given reference frame.
func New(cfg Config, ref *slam.Frame) *Initializer {
	return &Initializer{cfg: cfg, ref: ref}
}

// Rearm replaces the reference frame, used when the 100-px window match
// against the old reference falls short of MinMatches.
func (in *Initializer) Rearm(ref *slam.Frame) { in.ref = ref }

// Ref returns the current reference frame, which Attempt may have
// silently rearmed to cur on a too-thin match; Tracking needs this to
// know which two frames a successful Attempt actually reconstructed
// from.
func (in *Initializer) Ref() *slam.Frame { return in.ref }

// correspondence is one matched keypoint pair between the reference and
// current frame.
type correspondence struct {
	refIdx, curIdx int
	rx, ry         float64
	cx, cy         float64
}

// matchWindow performs a BoW-free window search for correspondences
// between the reference and current frame (spec.md §4.5 step 1).
func matchWindow(ref, cur *slam.Frame, window float64) []correspondence {
	var out []correspondence
	used := make(map[int]bool)
	for i, kp := range ref.Keypoints {
		candidates := cur.FeaturesInArea(kp.X, kp.Y, window, -1, -1)
		bestDist, best, secondDist := -1, -1, -1
		for _, j := range candidates {
			if used[j] {
				continue
			}
			d := slam.HammingDistance(ref.Descriptors[i], cur.Descriptors[j])
			if bestDist == -1 || d < bestDist {
				secondDist = bestDist
				bestDist = d
				best = j
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
		used[best] = true
		out = append(out, correspondence{i, best, kp.X, kp.Y, cur.Keypoints[best].X, cur.Keypoints[best].Y})
	}
	return out
}

// Attempt runs one initialization step against the current frame. It
// returns (result, true) on success; on a too-thin match set it rearms
// with cur and returns (nil, false) so Tracking keeps feeding frames.
func (in *Initializer) Attempt(cur *slam.Frame, calib slam.Calibration) (*Result, bool) {
	corrs := matchWindow(in.ref, cur, 100)
	if len(corrs) < in.cfg.MinMatches {
		in.Rearm(cur)
		return nil, false
	}

	hScore, h, hInliers := ransacHomography(corrs, in.cfg.Iterations, in.cfg.Sigma)
	fScore, f, fInliers := ransacFundamental(corrs, in.cfg.Iterations, in.cfg.Sigma)

	var result *Result
	ratio := hScore / (hScore + fScore + 1e-12)
	if ratio > 0.40 {
		result = reconstructFromHomography(h, corrs, hInliers, calib, in.cfg.MinGoodPoints)
	} else {
		result = reconstructFromFundamental(f, corrs, fInliers, calib, in.cfg.MinGoodPoints)
	}
	if result == nil {
		return nil, false
	}
	return result, true
}

// --- RANSAC scaffolding shared by both model estimators ---

// sampleEight returns 8 indices into corrs from a fixed formula of n and
// iter; no random source is involved, so repeated Attempt calls over
// identical input are reproducible. The indices are not always distinct:
// two of them coincide whenever n divides 7k for some k in 1..7.
func sampleEight(n, iter int) [8]int {
	var idx [8]int
	for i := 0; i < 8; i++ {
		idx[i] = (iter*8 + i*7 + 1) % n
	}
	return idx
}

func ransacFundamental(corrs []correspondence, iterations int, sigma float64) (float64, *mat.Dense, []bool) {
	if len(corrs) < 8 {
		return 0, nil, nil
	}
	threshold := 3.84 * sigma * sigma
	var bestScore float64
	var bestF *mat.Dense
	var bestInliers []bool

	for iter := 0; iter < iterations; iter++ {
		sample := sampleEight(len(corrs), iter)
		f := eightPointFundamental(corrs, sample)
		if f == nil {
			continue
		}
		score, inliers := scoreFundamental(f, corrs, threshold)
		if score > bestScore {
			bestScore = score
			bestF = f
			bestInliers = inliers
		}
	}
	return bestScore, bestF, bestInliers
}

func ransacHomography(corrs []correspondence, iterations int, sigma float64) (float64, *mat.Dense, []bool) {
	if len(corrs) < 4 {
		return 0, nil, nil
	}
	threshold := 5.99 * sigma * sigma
	var bestScore float64
	var bestH *mat.Dense
	var bestInliers []bool

	for iter := 0; iter < iterations; iter++ {
		sample := sampleEight(len(corrs), iter)
		h := dltHomography(corrs, sample[:4])
		if h == nil {
			continue
		}
		score, inliers := scoreHomography(h, corrs, threshold)
		if score > bestScore {
			bestScore = score
			bestH = h
			bestInliers = inliers
		}
	}
	return bestScore, bestH, bestInliers
}

// eightPointFundamental solves the 8-point algorithm over the eight
// sampled correspondences in raw pixel coordinates; the coordinates are
// not normalized first.
func eightPointFundamental(corrs []correspondence, sample [8]int) *mat.Dense {
	a := mat.NewDense(8, 9, nil)
	for row, idx := range sample {
		c := corrs[idx]
		a.SetRow(row, []float64{
			c.cx * c.rx, c.cx * c.ry, c.cx,
			c.cy * c.rx, c.cy * c.ry, c.cy,
			c.rx, c.ry, 1,
		})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)
	f := mat.NewDense(3, 3, []float64{
		v.At(0, 8), v.At(1, 8), v.At(2, 8),
		v.At(3, 8), v.At(4, 8), v.At(5, 8),
		v.At(6, 8), v.At(7, 8), v.At(8, 8),
	})
	return enforceRankTwo(f)
}

func enforceRankTwo(f *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(f, mat.SVDFull) {
		return f
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)
	s := mat.NewDense(3, 3, []float64{sv[0], 0, 0, 0, sv[1], 0, 0, 0, 0})
	var us mat.Dense
	us.Mul(&u, s)
	var out mat.Dense
	var vt mat.Dense
	vt.CloneFrom(v.T())
	out.Mul(&us, &vt)
	return &out
}

func scoreFundamental(f *mat.Dense, corrs []correspondence, threshold float64) (float64, []bool) {
	inliers := make([]bool, len(corrs))
	var score float64
	for i, c := range corrs {
		d1 := orbmatch.EpipolarDistance(f, c.rx, c.ry, c.cx, c.cy)
		var ft mat.Dense
		ft.CloneFrom(f.T())
		d2 := orbmatch.EpipolarDistance(&ft, c.cx, c.cy, c.rx, c.ry)
		if d1 < threshold && d2 < threshold {
			inliers[i] = true
			score += (threshold - d1) + (threshold - d2)
		}
	}
	return score, inliers
}

// dltHomography solves the DLT homography from 4 sampled correspondences
// (reference -> current) in raw pixel coordinates; the coordinates are
// not normalized first.
func dltHomography(corrs []correspondence, sample []int) *mat.Dense {
	a := mat.NewDense(8, 9, nil)
	for i, idx := range sample {
		c := corrs[idx]
		a.SetRow(2*i, []float64{0, 0, 0, -c.rx, -c.ry, -1, c.cy * c.rx, c.cy * c.ry, c.cy})
		a.SetRow(2*i+1, []float64{c.rx, c.ry, 1, 0, 0, 0, -c.cx * c.rx, -c.cx * c.ry, -c.cx})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, []float64{
		v.At(0, 8), v.At(1, 8), v.At(2, 8),
		v.At(3, 8), v.At(4, 8), v.At(5, 8),
		v.At(6, 8), v.At(7, 8), v.At(8, 8),
	})
	return h
}

func scoreHomography(h *mat.Dense, corrs []correspondence, threshold float64) (float64, []bool) {
	inliers := make([]bool, len(corrs))
	var hInv mat.Dense
	if err := hInv.Inverse(h); err != nil {
		return 0, inliers
	}
	var score float64
	for i, c := range corrs {
		px, py, pw := h.At(0, 0)*c.rx+h.At(0, 1)*c.ry+h.At(0, 2),
			h.At(1, 0)*c.rx+h.At(1, 1)*c.ry+h.At(1, 2),
			h.At(2, 0)*c.rx+h.At(2, 1)*c.ry+h.At(2, 2)
		if pw == 0 {
			continue
		}
		dx, dy := px/pw-c.cx, py/pw-c.cy
		d1 := dx*dx + dy*dy

		qx, qy, qw := hInv.At(0, 0)*c.cx+hInv.At(0, 1)*c.cy+hInv.At(0, 2),
			hInv.At(1, 0)*c.cx+hInv.At(1, 1)*c.cy+hInv.At(1, 2),
			hInv.At(2, 0)*c.cx+hInv.At(2, 1)*c.cy+hInv.At(2, 2)
		if qw == 0 {
			continue
		}
		ex, ey := qx/qw-c.rx, qy/qw-c.ry
		d2 := ex*ex + ey*ey

		if d1 < threshold && d2 < threshold {
			inliers[i] = true
			score += (threshold - d1) + (threshold - d2)
		}
	}
	return score, inliers
}

// --- Motion hypothesis enumeration & triangulation scoring ---

func intrinsicMatrix(c slam.Calibration) *mat.Dense {
	return mat.NewDense(3, 3, []float64{c.Fx, 0, c.Cx, 0, c.Fy, c.Cy, 0, 0, 1})
}

// reconstructFromFundamental decomposes F into an essential matrix using
// the shared intrinsics, enumerates the four (R, t) hypotheses from its
// SVD, triangulates under each, and keeps the winner (spec.md §4.5 step
// 5).
func reconstructFromFundamental(f *mat.Dense, corrs []correspondence, inliers []bool, calib slam.Calibration, minGood int) *Result {
	if f == nil {
		return nil
	}
	k := intrinsicMatrix(calib)
	var kt mat.Dense
	kt.CloneFrom(k.T())
	var ktf mat.Dense
	ktf.Mul(&kt, f)
	var e mat.Dense
	e.Mul(&ktf, k)

	var svd mat.SVD
	if !svd.Factorize(&e, mat.SVDFull) {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	var wt mat.Dense
	wt.CloneFrom(w.T())

	var r1, r2 mat.Dense
	r1.Mul(&u, w)
	r1.Mul(&r1, v.T())
	r2.Mul(&u, &wt)
	r2.Mul(&r2, v.T())
	fixDeterminant(&r1)
	fixDeterminant(&r2)

	t := slam.Vec3{u.At(0, 2), u.At(1, 2), u.At(2, 2)}
	negT := slam.Vec3{-t[0], -t[1], -t[2]}

	candidates := []struct {
		r *mat.Dense
		t slam.Vec3
	}{
		{&r1, t}, {&r1, negT}, {&r2, t}, {&r2, negT},
	}
	return pickBestHypothesis(candidates, corrs, inliers, calib, minGood)
}

func fixDeterminant(r *mat.Dense) {
	det := r.At(0, 0)*(r.At(1, 1)*r.At(2, 2)-r.At(1, 2)*r.At(2, 1)) -
		r.At(0, 1)*(r.At(1, 0)*r.At(2, 2)-r.At(1, 2)*r.At(2, 0)) +
		r.At(0, 2)*(r.At(1, 0)*r.At(2, 1)-r.At(1, 1)*r.At(2, 0))
	if det < 0 {
		r.Scale(-1, r)
	}
}

// reconstructFromHomography enumerates four Faugeras motion hypotheses
// from the homography's SVD (the d' > 0 case; the d' < 0 hypotheses are
// not generated) and keeps the triangulation winner.
func reconstructFromHomography(h *mat.Dense, corrs []correspondence, inliers []bool, calib slam.Calibration, minGood int) *Result {
	if h == nil {
		return nil
	}
	k := intrinsicMatrix(calib)
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil
	}
	var kh mat.Dense
	kh.Mul(h, k)
	var a mat.Dense
	a.Mul(&kInv, &kh) // A = K^-1 H K, up to scale

	var svd mat.SVD
	if !svd.Factorize(&a, mat.SVDFull) {
		return nil
	}
	sv := svd.Values(nil)
	d1, d2, d3 := sv[0], sv[1], sv[2]
	if d2 == 0 {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	x1 := math.Sqrt(math.Max(0, (d1*d1-d2*d2)/(d1*d1-d3*d3)))
	x3 := math.Sqrt(math.Max(0, (d2*d2-d3*d3)/(d1*d1-d3*d3)))

	var candidates []struct {
		r *mat.Dense
		t slam.Vec3
	}
	for _, e1 := range []float64{1, -1} {
		for _, e3 := range []float64{1, -1} {
			sinTheta := (d1 - d3) * x1 * x3 * e1 * e3 / d2
			cosTheta := (d1*x3*x3 + d3*x1*x1) / d2
			rp := mat.NewDense(3, 3, []float64{
				cosTheta, 0, -sinTheta,
				0, 1, 0,
				sinTheta, 0, cosTheta,
			})
			var ur mat.Dense
			ur.Mul(&u, rp)
			var r mat.Dense
			r.Mul(&ur, v.T())

			tp := slam.Vec3{(d1 - d3) * x1 * e1, 0, -(d1 - d3) * x3 * e3}
			var ut mat.VecDense
			ut.MulVec(&u, mat.NewVecDense(3, []float64{tp[0], tp[1], tp[2]}))
			tWorld := slam.Vec3{ut.AtVec(0), ut.AtVec(1), ut.AtVec(2)}

			rr := mat.DenseCopyOf(&r)
			candidates = append(candidates, struct {
				r *mat.Dense
				t slam.Vec3
			}{rr, tWorld})
		}
	}
	return pickBestHypothesis(candidates, corrs, inliers, calib, minGood)
}

// pickBestHypothesis triangulates every candidate (R, t) and keeps the
// one with strictly more good points than the runner-up by the required
// margin (spec.md §4.5 step 5: "wins if ... by a margin >= 0.7*best").
func pickBestHypothesis(candidates []struct {
	r *mat.Dense
	t slam.Vec3
}, corrs []correspondence, inliers []bool, calib slam.Calibration, minGood int) *Result {
	type scored struct {
		result *Result
		good   int
	}
	var scoredResults []scored
	for _, cand := range candidates {
		res, good := triangulateHypothesis(cand.r, cand.t, corrs, inliers, calib)
		scoredResults = append(scoredResults, scored{res, good})
	}

	bestIdx, best := -1, -1
	for i, s := range scoredResults {
		if s.good > best {
			best = s.good
			bestIdx = i
		}
	}
	if bestIdx == -1 || best < minGood {
		monitoring.Logf("slam/initmap: best hypothesis had %d good points, need >= %d", best, minGood)
		return nil
	}
	for i, s := range scoredResults {
		if i == bestIdx {
			continue
		}
		if s.good > int(0.7*float64(best)) {
			monitoring.Logf("slam/initmap: ambiguous motion hypothesis (%d vs %d good points)", best, s.good)
			return nil
		}
	}
	return scoredResults[bestIdx].result
}

func triangulateHypothesis(r *mat.Dense, t slam.Vec3, corrs []correspondence, inliers []bool, calib slam.Calibration) (*Result, int) {
	points := make([]slam.Vec3, len(corrs))
	triangulated := make([]bool, len(corrs))
	refIdx := make([]int, len(corrs))
	curIdx := make([]int, len(corrs))
	good := 0

	p1 := identityProjection(calib)
	p2 := relativeProjection(r, t, calib)

	for i, c := range corrs {
		refIdx[i] = c.refIdx
		curIdx[i] = c.curIdx
		if inliers != nil && !inliers[i] {
			continue
		}
		pt := triangulateDLT(p1, p2, c.rx, c.ry, c.cx, c.cy)
		depth1 := pt[2]
		camPt2 := applyRt(r, t, pt)
		depth2 := camPt2[2]
		if depth1 <= 0 || depth2 <= 0 || math.IsNaN(pt[0]) || math.IsInf(pt[0], 0) {
			continue
		}

		parallaxCos := parallax(pt, t)
		if parallaxCos > 0.99998 {
			continue
		}

		points[i] = pt
		triangulated[i] = true
		good++
	}
	return &Result{R: r, T: t, Points: points, Triangulated: triangulated, RefIdx: refIdx, CurIdx: curIdx}, good
}

func identityProjection(calib slam.Calibration) *mat.Dense {
	k := intrinsicMatrix(calib)
	rt := mat.NewDense(3, 4, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0})
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

func relativeProjection(r *mat.Dense, t slam.Vec3, calib slam.Calibration) *mat.Dense {
	k := intrinsicMatrix(calib)
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, r.At(i, j))
		}
		rt.Set(i, 3, []float64{t[0], t[1], t[2]}[i])
	}
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

func triangulateDLT(p1, p2 *mat.Dense, u1, v1, u2, v2 float64) slam.Vec3 {
	a := mat.NewDense(4, 4, []float64{
		u1*p1.At(2, 0) - p1.At(0, 0), u1*p1.At(2, 1) - p1.At(0, 1), u1*p1.At(2, 2) - p1.At(0, 2), u1*p1.At(2, 3) - p1.At(0, 3),
		v1*p1.At(2, 0) - p1.At(1, 0), v1*p1.At(2, 1) - p1.At(1, 1), v1*p1.At(2, 2) - p1.At(1, 2), v1*p1.At(2, 3) - p1.At(1, 3),
		u2*p2.At(2, 0) - p2.At(0, 0), u2*p2.At(2, 1) - p2.At(0, 1), u2*p2.At(2, 2) - p2.At(0, 2), u2*p2.At(2, 3) - p2.At(0, 3),
		v2*p2.At(2, 0) - p2.At(1, 0), v2*p2.At(2, 1) - p2.At(1, 1), v2*p2.At(2, 2) - p2.At(1, 2), v2*p2.At(2, 3) - p2.At(1, 3),
	})
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return slam.Vec3{}
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return slam.Vec3{}
	}
	return slam.Vec3{v.At(0, 3) / w, v.At(1, 3) / w, v.At(2, 3) / w}
}

func applyRt(r *mat.Dense, t slam.Vec3, p slam.Vec3) slam.Vec3 {
	var out slam.Vec3
	for i := 0; i < 3; i++ {
		out[i] = r.At(i, 0)*p[0] + r.At(i, 1)*p[1] + r.At(i, 2)*p[2] + t[i]
	}
	return out
}

func parallax(point, t slam.Vec3) float64 {
	o1 := slam.Vec3{0, 0, 0}
	o2 := slam.Vec3{-t[0], -t[1], -t[2]}
	ray1 := point.Sub(o1).Normalized()
	ray2 := point.Sub(o2).Normalized()
	return ray1.Dot(ray2)
}
