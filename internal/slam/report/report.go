// Package report renders a trajectory/map-point scatter plot from a live
// Map, the optional diagnostic export cmd/slam's -report flag triggers.
// It is a thin, offline exporter, not a real-time viewer: image capture,
// ORB extraction, and any interactive visualization remain external
// collaborators.
package report

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/slam/internal/slam"
)

// TrajectoryPlot renders a top-down (x/z) scatter of every map point and a
// connected line through every keyframe's camera center, the same
// plotter.XYs + plotter.NewLine/NewScatter pipeline
// internal/lidar/monitor/gridplotter.go uses for its per-ring charts.
func TrajectoryPlot(m *slam.Map, path string) error {
	p := plot.New()
	p.Title.Text = "Map trajectory and points"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"

	points := m.AllMapPoints()
	mapPts := make(plotter.XYs, 0, len(points))
	for _, mp := range points {
		if mp.IsBad() {
			continue
		}
		pos := mp.Position()
		mapPts = append(mapPts, plotter.XY{X: pos[0], Y: pos[2]})
	}
	if len(mapPts) > 0 {
		scatter, err := plotter.NewScatter(mapPts)
		if err != nil {
			return fmt.Errorf("report: build map point scatter: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Points(1)
		p.Add(scatter)
		p.Legend.Add("map points", scatter)
	}

	keyframes := orderedKeyFrames(m)
	trajectory := make(plotter.XYs, 0, len(keyframes))
	for _, kf := range keyframes {
		if kf.IsBad() {
			continue
		}
		ow := kf.Pose().Ow
		trajectory = append(trajectory, plotter.XY{X: ow[0], Y: ow[2]})
	}
	if len(trajectory) > 0 {
		line, err := plotter.NewLine(trajectory)
		if err != nil {
			return fmt.Errorf("report: build trajectory line: %w", err)
		}
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add("camera trajectory", line)
	}

	if err := p.Save(10*vg.Inch, 10*vg.Inch, path); err != nil {
		return fmt.Errorf("report: save plot: %w", err)
	}
	return nil
}

// orderedKeyFrames returns every keyframe sorted by id, so the trajectory
// line is drawn in capture order rather than the Map's internal iteration
// order.
func orderedKeyFrames(m *slam.Map) []*slam.KeyFrame {
	all := m.AllKeyFrames()
	ordered := make([]*slam.KeyFrame, len(all))
	copy(ordered, all)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].ID() > ordered[j].ID(); j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	return ordered
}
