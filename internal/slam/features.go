package slam

import "math"

// Grid dimensions for the O(1) radius queries of spec.md §3.2. Mirrors the
// fixed 64x48 cell grid ORB-SLAM2 uses; chosen once and shared by every
// KeyFrame/Frame via Calibration.
const (
	GridCols = 64
	GridRows = 48
)

// Calibration holds the pinhole intrinsics and image bounds shared by
// every frame from one camera (spec.md §3.2, §6).
type Calibration struct {
	Fx, Fy, Cx, Cy float64
	MinX, MaxX     float64
	MinY, MaxY     float64
}

func (c Calibration) gridElementWidthInv() float64 {
	return float64(GridCols) / (c.MaxX - c.MinX)
}

func (c Calibration) gridElementHeightInv() float64 {
	return float64(GridRows) / (c.MaxY - c.MinY)
}

// cellOf returns the grid cell containing (x, y), or ok=false if outside
// bounds.
func (c Calibration) cellOf(x, y float64) (col, row int, ok bool) {
	col = int((x - c.MinX) * c.gridElementWidthInv())
	row = int((y - c.MinY) * c.gridElementHeightInv())
	if col < 0 || col >= GridCols || row < 0 || row >= GridRows {
		return 0, 0, false
	}
	return col, row, true
}

// FeatureSet is the frozen feature-extraction result shared by Frame and
// KeyFrame: undistorted keypoints, their descriptors, and the grid index
// mapping image cells to keypoint indices.
type FeatureSet struct {
	Calib       Calibration
	Keypoints   []KeyPoint
	Descriptors []Descriptor
	ScaleFactor float64
	NumLevels   int

	grid [GridCols][GridRows][]int
}

// BuildGrid populates the grid index from Keypoints; must be called once
// after Keypoints/Descriptors are set.
func (f *FeatureSet) BuildGrid() {
	for i, kp := range f.Keypoints {
		col, row, ok := f.Calib.cellOf(kp.X, kp.Y)
		if !ok {
			continue
		}
		f.grid[col][row] = append(f.grid[col][row], i)
	}
}

// FeaturesInArea returns keypoint indices within radius of (x, y), whose
// octave falls in [minLevel, maxLevel] (maxLevel < 0 means unbounded).
// This is the grid-accelerated radius query every matcher in §4.6 uses.
func (f *FeatureSet) FeaturesInArea(x, y, radius float64, minLevel, maxLevel int) []int {
	var out []int

	minCol := int((x - f.Calib.MinX - radius) * f.Calib.gridElementWidthInv())
	if minCol < 0 {
		minCol = 0
	}
	if minCol >= GridCols {
		return out
	}
	maxCol := int((x - f.Calib.MinX + radius) * f.Calib.gridElementWidthInv())
	if maxCol < 0 {
		return out
	}
	if maxCol >= GridCols {
		maxCol = GridCols - 1
	}
	minRow := int((y - f.Calib.MinY - radius) * f.Calib.gridElementHeightInv())
	if minRow < 0 {
		minRow = 0
	}
	if minRow >= GridRows {
		return out
	}
	maxRow := int((y - f.Calib.MinY + radius) * f.Calib.gridElementHeightInv())
	if maxRow < 0 {
		return out
	}
	if maxRow >= GridRows {
		maxRow = GridRows - 1
	}

	checkLevels := minLevel > 0 || maxLevel >= 0
	for col := minCol; col <= maxCol; col++ {
		for row := minRow; row <= maxRow; row++ {
			for _, idx := range f.grid[col][row] {
				kp := f.Keypoints[idx]
				if checkLevels {
					if kp.Octave < minLevel {
						continue
					}
					if maxLevel >= 0 && kp.Octave > maxLevel {
						continue
					}
				}
				dx := kp.X - x
				dy := kp.Y - y
				if math.Abs(dx) < radius && math.Abs(dy) < radius {
					out = append(out, idx)
				}
			}
		}
	}
	return out
}

// KeypointAt returns the i'th keypoint, promoted to both Frame and
// KeyFrame (KeyFrame additionally defines its own, locking-aware
// accessor; Frame has no locks and uses this one directly).
func (f *FeatureSet) KeypointAt(i int) KeyPoint { return f.Keypoints[i] }

// ScaleFactorAtOctave returns scale_factor^octave.
func (f *FeatureSet) ScaleFactorAtOctave(octave int) float64 {
	return math.Pow(f.ScaleFactor, float64(octave))
}

// LevelSigma2 returns the per-level measurement variance scale used to
// weight reprojection residuals (1/sigma^2 weighting of §4.2.6).
func (f *FeatureSet) LevelSigma2(octave int) float64 {
	s := f.ScaleFactorAtOctave(octave)
	return s * s
}
