// Package optimize implements the pose-only, local/global bundle
// adjustment, essential-graph and Sim3 optimizer contracts of spec.md
// §4.2.6, §4.3.5, §4.4.3: robustified reprojection-error least squares
// over gonum/mat, using a Huber-kernel-weighted Gauss-Newton solver on
// the se(3)/sim(3) tangent space.
package optimize

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
)

// HuberThreshold is sqrt(5.991), the chi-square 95% threshold for 2 DoF
// reprojection residuals (spec.md §4.2.6).
const HuberThreshold = 2.4477 // sqrt(5.991)

// PassIterations and Passes implement spec.md §4.2.6's "four passes of
// ten iterations each, reclassifying outliers between passes".
const (
	PassIterations = 10
	Passes         = 4
)

// huberWeight returns the robust weight for a residual magnitude r under
// threshold delta (1 inside, down-weighted outside).
func huberWeight(r, delta float64) float64 {
	if r <= delta {
		return 1
	}
	return delta / r
}

// PoseOnlyOptimize refines a frame's pose from its current 2D-3D
// correspondences, reclassifying per-point outliers between passes
// (spec.md §4.2.6). Returns the surviving inlier count.
func PoseOnlyOptimize(f *slam.Frame) int {
	pose := f.Pose()
	xi := poseToXi(pose)

	for pass := 0; pass < Passes; pass++ {
		for iter := 0; iter < PassIterations; iter++ {
			h := mat.NewDense(6, 6, nil)
			b := mat.NewVecDense(6, nil)
			n := 0

			for i, mp := range f.MapPoints {
				if mp == nil || f.Outlier[i] || mp.IsBad() {
					continue
				}
				world := mp.Position()
				kp := f.KeypointAt(i)
				sigma2 := f.LevelSigma2(kp.Octave)
				weight := 1.0 / sigma2

				res, jac, ok := reprojectionResidualAndJacobian(xi, world, f.Calib, kp.X, kp.Y)
				if !ok {
					continue
				}
				rn := math.Sqrt(res.AtVec(0)*res.AtVec(0) + res.AtVec(1)*res.AtVec(1))
				hw := huberWeight(rn, HuberThreshold) * weight

				var jtw mat.Dense
				jtw.Scale(hw, jac.T())
				var jtj mat.Dense
				jtj.Mul(&jtw, jac)
				h.Add(h, &jtj)

				var jtr mat.VecDense
				jtr.MulVec(&jtw, res)
				b.AddVec(b, &jtr)
				n++
			}
			if n == 0 {
				break
			}

			var hInv mat.Dense
			if err := hInv.Inverse(h); err != nil {
				break
			}
			var delta mat.VecDense
			delta.MulVec(&hInv, b)
			xi = xiMinus(xi, &delta)
		}

		pose = xiToPose(xi)
		for i, mp := range f.MapPoints {
			if mp == nil || mp.IsBad() {
				continue
			}
			world := mp.Position()
			kp := f.KeypointAt(i)
			res, _, ok := reprojectionResidualAndJacobian(xi, world, f.Calib, kp.X, kp.Y)
			if !ok {
				f.Outlier[i] = true
				continue
			}
			sigma2 := f.LevelSigma2(kp.Octave)
			rn := math.Sqrt((res.AtVec(0)*res.AtVec(0) + res.AtVec(1)*res.AtVec(1)) / sigma2)
			f.Outlier[i] = rn > HuberThreshold
		}
	}

	f.SetPose(pose.Tcw)
	return f.NumMatches()
}

// reprojectionResidualAndJacobian returns the 2-vector reprojection
// error (predicted - observed) and its 2x6 Jacobian with respect to the
// se(3) pose perturbation, evaluated at xi.
func reprojectionResidualAndJacobian(xi *mat.VecDense, world slam.Vec3, calib slam.Calibration, obsU, obsV float64) (*mat.VecDense, *mat.Dense, bool) {
	pose := xiToPose(xi)
	rcw, t := pose.Rcw, pose.Tcw3
	var xc [3]float64
	for i := 0; i < 3; i++ {
		xc[i] = rcw.At(i, 0)*world[0] + rcw.At(i, 1)*world[1] + rcw.At(i, 2)*world[2] + t[i]
	}
	if xc[2] <= 1e-6 {
		return nil, nil, false
	}
	invZ := 1.0 / xc[2]
	u := calib.Fx*xc[0]*invZ + calib.Cx
	v := calib.Fy*xc[1]*invZ + calib.Cy

	res := mat.NewVecDense(2, []float64{u - obsU, v - obsV})

	// Standard perspective-projection Jacobian w.r.t. a left-multiplied
	// se(3) twist [rho, phi] applied to the camera pose.
	fx, fy := calib.Fx, calib.Fy
	x, y := xc[0], xc[1]
	jac := mat.NewDense(2, 6, []float64{
		fx * invZ, 0, -fx * x * invZ * invZ, -fx * x * y * invZ * invZ, fx * (1 + x*x*invZ*invZ), -fx * y * invZ,
		0, fy * invZ, -fy * y * invZ * invZ, -fy * (1 + y*y*invZ*invZ), fy * x * y * invZ * invZ, fy * x * invZ,
	})
	return res, jac, true
}

// poseToXi/xiToPose/xiMinus implement a minimal se(3) parametrization:
// xi = [rho(3); phi(3)] with phi the rotation vector (angle-axis) and
// rho the translation component, composed via first-order exponential
// update (sufficient for the small per-iteration steps Gauss-Newton
// takes; a full BCH composition is not needed at this scale).
func poseToXi(p slam.Pose) *mat.VecDense {
	phi := rotationToAngleAxis(p.Rcw)
	return mat.NewVecDense(6, []float64{p.Tcw3[0], p.Tcw3[1], p.Tcw3[2], phi[0], phi[1], phi[2]})
}

func xiToPose(xi *mat.VecDense) slam.Pose {
	t := slam.Vec3{xi.AtVec(0), xi.AtVec(1), xi.AtVec(2)}
	phi := slam.Vec3{xi.AtVec(3), xi.AtVec(4), xi.AtVec(5)}
	r := angleAxisToRotation(phi)

	tcw := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tcw.Set(i, j, r.At(i, j))
		}
		tcw.Set(i, 3, t[i])
	}
	tcw.Set(3, 3, 1)
	p := slam.Pose{Tcw: tcw, Rcw: r, Tcw3: t}
	p.Ow = cameraCenter(r, t)
	return p
}

func xiMinus(xi *mat.VecDense, delta *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		out.SetVec(i, xi.AtVec(i)-delta.AtVec(i))
	}
	return out
}

func cameraCenter(r *mat.Dense, t slam.Vec3) slam.Vec3 {
	var rt mat.Dense
	rt.CloneFrom(r.T())
	var negRtT mat.VecDense
	negRtT.MulVec(&rt, mat.NewVecDense(3, []float64{-t[0], -t[1], -t[2]}))
	return slam.Vec3{negRtT.AtVec(0), negRtT.AtVec(1), negRtT.AtVec(2)}
}

func rotationToAngleAxis(r *mat.Dense) slam.Vec3 {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := (trace - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	}
	if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)
	if theta < 1e-9 {
		return slam.Vec3{}
	}
	sinTheta := math.Sin(theta)
	axis := slam.Vec3{
		(r.At(2, 1) - r.At(1, 2)) / (2 * sinTheta),
		(r.At(0, 2) - r.At(2, 0)) / (2 * sinTheta),
		(r.At(1, 0) - r.At(0, 1)) / (2 * sinTheta),
	}
	return axis.Scale(theta)
}

func angleAxisToRotation(phi slam.Vec3) *mat.Dense {
	theta := phi.Norm()
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		r.Set(i, i, 1)
	}
	if theta < 1e-9 {
		return r
	}
	axis := phi.Scale(1 / theta)
	k := mat.NewDense(3, 3, []float64{
		0, -axis[2], axis[1],
		axis[2], 0, -axis[0],
		-axis[1], axis[0], 0,
	})
	var k2 mat.Dense
	k2.Mul(k, k)

	var term1, term2 mat.Dense
	term1.Scale(math.Sin(theta), k)
	term2.Scale(1-math.Cos(theta), &k2)
	r.Add(r, &term1)
	r.Add(r, &term2)
	return r
}

// LocalBundleAdjustment jointly refines the poses of kf and its
// covisible neighbors plus the positions of the map points they
// collectively observe, holding every other observing keyframe fixed as
// an anchor (spec.md §4.3 local_bundle_adjustment). Implemented as
// block-coordinate descent (alternating pose-only refinement per
// variable keyframe and a linear position refinement per point) rather
// than a single joint sparse solve; abort is polled between rounds so
// Tracking can force early termination.
func LocalBundleAdjustment(m *slam.Map, variableKFs []*slam.KeyFrame, points []*slam.MapPoint, rounds int, abort <-chan struct{}) {
	if rounds <= 0 {
		rounds = 5
	}
	for round := 0; round < rounds; round++ {
		select {
		case <-abort:
			monitoring.Logf("slam/optimize: local BA aborted at round %d", round)
			return
		default:
		}

		for _, kf := range variableKFs {
			if kf.IsBad() {
				continue
			}
			refinePoseFromObservations(kf)
		}
		for _, mp := range points {
			if mp == nil || mp.IsBad() {
				continue
			}
			refinePointFromObservations(mp, m)
		}
	}

	for _, mp := range points {
		if mp == nil || mp.IsBad() {
			continue
		}
		pruneOutlierObservations(mp, m)
	}
}

// GlobalBundleAdjustment runs LocalBundleAdjustment over every keyframe
// and map point in the map (spec.md §4.2 initial BA and §4.4.3's
// detached post-loop-closure global BA).
func GlobalBundleAdjustment(m *slam.Map, rounds int, abort <-chan struct{}) {
	LocalBundleAdjustment(m, m.AllKeyFrames(), m.AllMapPoints(), rounds, abort)
}

// refinePoseFromObservations runs a single pose-only Gauss-Newton solve
// for kf treating its own map-point observations as a pseudo-Frame
// correspondence set.
func refinePoseFromObservations(kf *slam.KeyFrame) {
	f := frameView(kf)
	PoseOnlyOptimize(f)
	kf.SetPose(f.Pose().Tcw)
}

// frameView builds a throwaway Frame snapshot of a keyframe's current
// 2D-3D correspondences so the single-owner pose-only solver can be
// reused for the per-keyframe step of local/global BA.
func frameView(kf *slam.KeyFrame) *slam.Frame {
	f := slam.NewFrame(kf.ID(), kf.Timestamp(), kf.FeatureSet, nil)
	f.SetPose(kf.Pose().Tcw)
	n := kf.NumKeypoints()
	f.MapPoints = make([]*slam.MapPoint, n)
	f.Outlier = make([]bool, n)
	for i := 0; i < n; i++ {
		mp := kf.MapPointAt(i)
		if mp != nil && !mp.IsBad() {
			f.MapPoints[i] = mp
		}
	}
	return f
}

// pointResidualAndJacobian is the point-side counterpart of
// reprojectionResidualAndJacobian: the pose is fixed and the Jacobian is
// taken with respect to the 3D world position instead of the pose twist.
func pointResidualAndJacobian(pose slam.Pose, world slam.Vec3, calib slam.Calibration, obsU, obsV float64) (*mat.VecDense, *mat.Dense, bool) {
	rcw, t := pose.Rcw, pose.Tcw3
	var xc [3]float64
	for i := 0; i < 3; i++ {
		xc[i] = rcw.At(i, 0)*world[0] + rcw.At(i, 1)*world[1] + rcw.At(i, 2)*world[2] + t[i]
	}
	if xc[2] <= 1e-6 {
		return nil, nil, false
	}
	invZ := 1.0 / xc[2]
	u := calib.Fx*xc[0]*invZ + calib.Cx
	v := calib.Fy*xc[1]*invZ + calib.Cy
	res := mat.NewVecDense(2, []float64{u - obsU, v - obsV})

	x, y := xc[0], xc[1]
	jacXc := mat.NewDense(2, 3, []float64{
		calib.Fx * invZ, 0, -calib.Fx * x * invZ * invZ,
		0, calib.Fy * invZ, -calib.Fy * y * invZ * invZ,
	})
	var jac mat.Dense
	jac.Mul(jacXc, rcw)
	return res, &jac, true
}

// refinePointFromObservations re-estimates mp's position by Gauss-Newton
// over the reprojection error of every live observing keyframe, holding
// their poses fixed (the point-side half of the alternating local BA
// scheme).
func refinePointFromObservations(mp *slam.MapPoint, m *slam.Map) {
	obs := mp.Observations()
	if len(obs) < 2 {
		return
	}
	pos := mp.Position()

	for iter := 0; iter < 5; iter++ {
		h := mat.NewDense(3, 3, nil)
		b := mat.NewVecDense(3, nil)
		n := 0

		for kfID, idx := range obs {
			kf := m.KeyFrame(kfID)
			if kf == nil || kf.IsBad() {
				continue
			}
			kp := kf.KeypointAt(idx)
			res, jac, ok := pointResidualAndJacobian(kf.Pose(), pos, kf.Calib, kp.X, kp.Y)
			if !ok {
				continue
			}
			rn := math.Sqrt(res.AtVec(0)*res.AtVec(0) + res.AtVec(1)*res.AtVec(1))
			sigma2 := kf.LevelSigma2(kp.Octave)
			hw := huberWeight(rn, HuberThreshold) / sigma2

			var jtw mat.Dense
			jtw.Scale(hw, jac.T())
			var jtj mat.Dense
			jtj.Mul(&jtw, jac)
			h.Add(h, &jtj)

			var jtr mat.VecDense
			jtr.MulVec(&jtw, res)
			b.AddVec(b, &jtr)
			n++
		}
		if n < 2 {
			break
		}

		var hInv mat.Dense
		if err := hInv.Inverse(h); err != nil {
			break
		}
		var delta mat.VecDense
		delta.MulVec(&hInv, b)
		pos = slam.Vec3{pos[0] - delta.AtVec(0), pos[1] - delta.AtVec(1), pos[2] - delta.AtVec(2)}
	}
	mp.SetPosition(pos)
}

// pruneOutlierObservations drops observations whose reprojection error
// exceeds the robust threshold after refinement, mirroring the
// post-BA outlier culling spec.md §4.3 describes for local_bundle_adjustment.
func pruneOutlierObservations(mp *slam.MapPoint, m *slam.Map) {
	pos := mp.Position()
	for kfID, idx := range mp.Observations() {
		kf := m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		kp := kf.KeypointAt(idx)
		res, _, ok := pointResidualAndJacobian(kf.Pose(), pos, kf.Calib, kp.X, kp.Y)
		if !ok {
			mp.EraseObservation(kf)
			continue
		}
		sigma2 := kf.LevelSigma2(kp.Octave)
		rn := math.Sqrt((res.AtVec(0)*res.AtVec(0) + res.AtVec(1)*res.AtVec(1)) / sigma2)
		if rn > HuberThreshold*2 {
			mp.EraseObservation(kf)
		}
	}
}
