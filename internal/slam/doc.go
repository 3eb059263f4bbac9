// Package slam holds the shared SLAM data model: map points, keyframes,
// frames, and the covisibility/essential/spanning graphs that tie them
// together, plus the Map type that owns all of it.
//
// Ownership follows the strategy in spec.md §9: the Map's two sets
// (keyframes, map points) are the only ownership roots. Every reference
// between a KeyFrame and a MapPoint (or between two KeyFrames) is a
// non-owning pointer that must be validated against IsBad() immediately
// before use — Go's garbage collector makes an id-indirection table
// unnecessary to avoid use-after-free, but the is-it-still-live check the
// spec requires is still a correctness invariant, not a memory-safety one,
// so every accessor that walks an edge re-checks IsBad() after acquiring
// the relevant lock.
package slam

import (
	"math"
	"math/bits"
)

// Descriptor is a 256-bit ORB descriptor packed into four uint64 words.
type Descriptor [4]uint64

// HammingDistance returns the popcount of the XOR between two descriptors
// (§4.6).
func HammingDistance(a, b Descriptor) int {
	return bits.OnesCount64(a[0]^b[0]) +
		bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) +
		bits.OnesCount64(a[3]^b[3])
}

// Matcher thresholds shared by every matching routine in package orbmatch;
// mirrored here because the data model's canonical-descriptor selection
// (MapPoint.RecomputeDescriptor) needs the same distance function without
// importing orbmatch (which itself depends on slam).
const (
	// LowThreshold is the default descriptor-distance acceptance gate.
	LowThreshold = 50
	// HighThreshold is used where geometry is already strong.
	HighThreshold = 100
)

// KeyPoint is an undistorted 2D feature position plus the scale-pyramid
// metadata every later algorithm needs.
type KeyPoint struct {
	X, Y   float64
	Octave int     // pyramid level the feature was detected at
	Angle  float64 // orientation in radians, used by the orientation histogram
}

// Vec3 is a plain 3-vector; used for positions, normals and translations.
type Vec3 [3]float64

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}
func (v Vec3) Normalized() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}
