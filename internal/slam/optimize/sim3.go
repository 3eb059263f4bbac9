package optimize

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/slam/internal/slam"
)

// Sim3 is a similarity transform (rotation, translation, uniform scale)
// between two keyframes' coordinate frames, the loop-closing currency
// of spec.md §4.4.2 compute_sim3.
type Sim3 struct {
	R *mat.Dense // 3x3
	T slam.Vec3
	S float64
}

// IdentitySim3 returns the no-op similarity transform.
func IdentitySim3() Sim3 {
	r := mat.NewDense(3, 3, nil)
	r.Set(0, 0, 1)
	r.Set(1, 1, 1)
	r.Set(2, 2, 1)
	return Sim3{R: r, T: slam.Vec3{}, S: 1}
}

// Apply maps a point from the domain frame into the range frame: p' = sRp + t.
func (g Sim3) Apply(p slam.Vec3) slam.Vec3 {
	rp := slam.Vec3{
		g.R.At(0, 0)*p[0] + g.R.At(0, 1)*p[1] + g.R.At(0, 2)*p[2],
		g.R.At(1, 0)*p[0] + g.R.At(1, 1)*p[1] + g.R.At(1, 2)*p[2],
		g.R.At(2, 0)*p[0] + g.R.At(2, 1)*p[1] + g.R.At(2, 2)*p[2],
	}
	return rp.Scale(g.S).Add(g.T)
}

// Inverse returns the similarity transform mapping range back to domain.
func (g Sim3) Inverse() Sim3 {
	var rt mat.Dense
	rt.CloneFrom(g.R.T())
	invS := 1 / g.S
	negT := g.T.Scale(-1)
	t := slam.Vec3{
		rt.At(0, 0)*negT[0] + rt.At(0, 1)*negT[1] + rt.At(0, 2)*negT[2],
		rt.At(1, 0)*negT[0] + rt.At(1, 1)*negT[1] + rt.At(1, 2)*negT[2],
		rt.At(2, 0)*negT[0] + rt.At(2, 1)*negT[1] + rt.At(2, 2)*negT[2],
	}
	return Sim3{R: &rt, T: t.Scale(invS), S: invS}
}

// Compose returns the transform equivalent to applying g first, then h.
func (h Sim3) Compose(g Sim3) Sim3 {
	var r mat.Dense
	r.Mul(h.R, g.R)
	rp := slam.Vec3{
		h.R.At(0, 0)*g.T[0] + h.R.At(0, 1)*g.T[1] + h.R.At(0, 2)*g.T[2],
		h.R.At(1, 0)*g.T[0] + h.R.At(1, 1)*g.T[1] + h.R.At(1, 2)*g.T[2],
		h.R.At(2, 0)*g.T[0] + h.R.At(2, 1)*g.T[1] + h.R.At(2, 2)*g.T[2],
	}
	combinedT := rp.Scale(h.S).Add(h.T)
	return Sim3{R: &r, T: combinedT, S: h.S * g.S}
}

// Correspondence is a matched 3D point pair used to estimate a Sim3
// alignment between two keyframes' map-point sets.
type Correspondence struct {
	X, Y slam.Vec3
}

// EstimateSim3 computes a closed-form least-squares similarity transform
// mapping X onto Y via Horn's method (Umeyama 1991), the standard
// initializer for the loop-closing Sim3 contract before refinement.
// fixScale pins S=1, matching a calibrated monocular scale assumption
// when the caller already trusts relative scale.
func EstimateSim3(matches []Correspondence, fixScale bool) (Sim3, bool) {
	n := len(matches)
	if n < 3 {
		return Sim3{}, false
	}

	var cx, cy slam.Vec3
	for _, c := range matches {
		cx = cx.Add(c.X)
		cy = cy.Add(c.Y)
	}
	cx = cx.Scale(1 / float64(n))
	cy = cy.Scale(1 / float64(n))

	h := mat.NewDense(3, 3, nil)
	var sigmaX float64
	for _, c := range matches {
		dx := c.X.Sub(cx)
		dy := c.Y.Sub(cy)
		sigmaX += dx.Dot(dx)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h.Set(i, j, h.At(i, j)+dy[i]*dx[j])
			}
		}
	}
	sigmaX /= float64(n)

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Sim3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := svd.Values(nil)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	det := mat.Det(&vut)
	sign := 1.0
	if det < 0 {
		sign = -1
	}

	corrected := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		s := 1.0
		if i == 2 {
			s = sign
		}
		corrected.Set(i, i, s)
	}
	var r mat.Dense
	r.Mul(&v, corrected)
	r.Mul(&r, u.T())

	scale := 1.0
	if !fixScale {
		trace := d[0] + d[1] + sign*d[2]
		if sigmaX > 1e-12 {
			scale = trace / sigmaX
		}
	}

	rcx := slam.Vec3{
		r.At(0, 0)*cx[0] + r.At(0, 1)*cx[1] + r.At(0, 2)*cx[2],
		r.At(1, 0)*cx[0] + r.At(1, 1)*cx[1] + r.At(1, 2)*cx[2],
		r.At(2, 0)*cx[0] + r.At(2, 1)*cx[1] + r.At(2, 2)*cx[2],
	}
	t := cy.Sub(rcx.Scale(scale))

	return Sim3{R: &r, T: t, S: scale}, true
}

// RefineSim3 runs a few Gauss-Newton passes over the 3D alignment
// residual y - Apply(x), the reference-implementation half of the Sim3
// optimizer contract (spec.md §4.4.2 compute_sim3's iterative refinement
// stage); EstimateSim3's closed form seeds the iteration.
func RefineSim3(matches []Correspondence, init Sim3, fixScale bool, iterations int) Sim3 {
	g := init
	dof := 7
	if fixScale {
		dof = 6
	}

	for iter := 0; iter < iterations; iter++ {
		h := mat.NewDense(dof, dof, nil)
		b := mat.NewVecDense(dof, nil)

		for _, c := range matches {
			pred := g.Apply(c.X)
			res := pred.Sub(c.Y)
			rn := res.Norm()
			hw := huberWeight(rn, HuberThreshold)

			rx := slam.Vec3{
				g.R.At(0, 0)*c.X[0] + g.R.At(0, 1)*c.X[1] + g.R.At(0, 2)*c.X[2],
				g.R.At(1, 0)*c.X[0] + g.R.At(1, 1)*c.X[1] + g.R.At(1, 2)*c.X[2],
				g.R.At(2, 0)*c.X[0] + g.R.At(2, 1)*c.X[1] + g.R.At(2, 2)*c.X[2],
			}
			skew := mat.NewDense(3, 3, []float64{
				0, -rx[2] * g.S, rx[1] * g.S,
				rx[2] * g.S, 0, -rx[0] * g.S,
				-rx[1] * g.S, rx[0] * g.S, 0,
			})

			jac := mat.NewDense(3, dof, nil)
			for i := 0; i < 3; i++ {
				jac.Set(i, i, 1) // d res / d translation
			}
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					jac.Set(i, 3+j, -skew.At(i, j)) // d res / d rotation perturbation
				}
			}
			if !fixScale {
				jac.Set(0, 6, rx[0])
				jac.Set(1, 6, rx[1])
				jac.Set(2, 6, rx[2])
			}

			var jtw mat.Dense
			jtw.Scale(hw, jac.T())
			var jtj mat.Dense
			jtj.Mul(&jtw, jac)
			h.Add(h, &jtj)

			resVec := mat.NewVecDense(3, []float64{res[0], res[1], res[2]})
			var jtr mat.VecDense
			jtr.MulVec(&jtw, resVec)
			b.AddVec(b, &jtr)
		}

		var hInv mat.Dense
		if err := hInv.Inverse(h); err != nil {
			break
		}
		var delta mat.VecDense
		delta.MulVec(&hInv, b)

		g.T = g.T.Sub(slam.Vec3{delta.AtVec(0), delta.AtVec(1), delta.AtVec(2)})
		phi := slam.Vec3{delta.AtVec(3), delta.AtVec(4), delta.AtVec(5)}
		dR := angleAxisToRotation(phi.Scale(-1))
		var newR mat.Dense
		newR.Mul(dR, g.R)
		g.R = &newR
		if !fixScale {
			g.S -= delta.AtVec(6)
		}
	}
	return g
}
