// Package camera defines the boundary types between this module and the
// external image-capture/ORB-extraction collaborator spec.md §1 names as
// out of scope: this package owns calibration and the Source contract,
// nothing here touches pixels.
package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/slam/internal/slam"
)

// Distortion holds the plumb-bob radial/tangential distortion
// coefficients spec.md §6 notes a real camera driver must undistort
// before keypoints reach this module.
type Distortion struct {
	K1, K2, K3 float64
	P1, P2     float64
}

// Intrinsics is the calibration an external driver reports once per
// camera and this module treats as immutable for the session.
type Intrinsics struct {
	Calib      slam.Calibration
	Distortion Distortion
	FPS        float64
}

// Validate rejects calibration that would make FeatureSet grid math or
// pinhole projection degenerate.
func (in Intrinsics) Validate() error {
	if in.Calib.Fx <= 0 || in.Calib.Fy <= 0 {
		return fmt.Errorf("camera: focal length must be positive, got fx=%v fy=%v", in.Calib.Fx, in.Calib.Fy)
	}
	if in.Calib.MaxX <= in.Calib.MinX || in.Calib.MaxY <= in.Calib.MinY {
		return fmt.Errorf("camera: degenerate image bounds [%v,%v]x[%v,%v]", in.Calib.MinX, in.Calib.MaxX, in.Calib.MinY, in.Calib.MaxY)
	}
	return nil
}

// Image is one captured, already-undistorted frame paired with its
// extracted ORB features, the external collaborator's delivery unit.
type Image struct {
	Timestamp time.Time
	Features  slam.FeatureSet
}

// Source is the contract a real extraction pipeline (image capture +
// ORB detection/description, both explicitly external per spec.md §1)
// implements; Tracking only ever depends on this interface.
type Source interface {
	// Intrinsics returns the camera calibration reported once at startup.
	Intrinsics() Intrinsics

	// Next blocks until the next extracted frame is available, or
	// returns ctx.Err() if ctx is done first.
	Next(ctx context.Context) (Image, error)

	// Close releases any resources held by the underlying capture device.
	Close() error
}

// Recorded is a Source backed by a fixed in-memory sequence of images,
// used by tests and by offline replay of a previously captured sequence
// (spec.md §8's deterministic test scenarios need a frame source that
// does not depend on a live camera).
type Recorded struct {
	intrinsics Intrinsics
	frames     []Image
	next       int
}

// NewRecorded wraps a fixed frame sequence as a Source.
func NewRecorded(intrinsics Intrinsics, frames []Image) *Recorded {
	return &Recorded{intrinsics: intrinsics, frames: frames}
}

func (r *Recorded) Intrinsics() Intrinsics { return r.intrinsics }

func (r *Recorded) Next(ctx context.Context) (Image, error) {
	select {
	case <-ctx.Done():
		return Image{}, ctx.Err()
	default:
	}
	if r.next >= len(r.frames) {
		return Image{}, fmt.Errorf("camera: recorded sequence exhausted after %d frames", r.next)
	}
	img := r.frames[r.next]
	r.next++
	return img, nil
}

func (r *Recorded) Close() error { return nil }
