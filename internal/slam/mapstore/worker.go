package mapstore

import (
	"context"
	"time"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
)

// SnapshotWorker periodically snapshots a live map on a ticker, the same
// shape the teacher's TransitWorker uses to sessionize radar data every
// fifteen minutes: a fixed interval, a Start/Stop pair, and a RunOnce an
// operator or test can call directly without waiting on the ticker.
type SnapshotWorker struct {
	Store    *Store
	Map      *slam.Map
	Interval time.Duration
	Reason   string
	StopChan chan struct{}
}

// NewSnapshotWorker returns a worker that snapshots m into store every
// interval under the label reason.
func NewSnapshotWorker(store *Store, m *slam.Map, interval time.Duration, reason string) *SnapshotWorker {
	return &SnapshotWorker{
		Store:    store,
		Map:      m,
		Interval: interval,
		Reason:   reason,
		StopChan: make(chan struct{}),
	}
}

// Start runs the periodic snapshot loop in a goroutine.
func (w *SnapshotWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("slam/mapstore: periodic snapshot failed: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *SnapshotWorker) Stop() {
	close(w.StopChan)
}

// RunOnce snapshots the map once, independent of the ticker.
func (w *SnapshotWorker) RunOnce(ctx context.Context) (int64, error) {
	return w.Store.Snapshot(w.Map, w.Reason)
}
