// Package mapstore persists Map snapshots to sqlite for crash-recoverable
// restart and for external inspection, the role internal/db/db.go plays for
// the teacher's sensor readings. A snapshot captures every keyframe's pose,
// spanning-tree and covisibility edges, and every map point's position and
// descriptor, gzip-compressed into a single blob row alongside a sha256
// checksum, mirroring the teacher's lidar_bg_snapshot table shape.
package mapstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/slam/internal/monitoring"
	"github.com/banshee-data/slam/internal/slam"
)

// schema creates the snapshot table and its lookup index. Kept as a single
// CREATE TABLE IF NOT EXISTS statement rather than a versioned migration
// runner: the table has had one shape since it was introduced, and a new
// column here is cheap to add idempotently when that changes.
const schema = `
CREATE TABLE IF NOT EXISTS map_snapshots (
	snapshot_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL,
	taken_unix_nanos INTEGER NOT NULL,
	keyframe_count   INTEGER NOT NULL,
	mappoint_count   INTEGER NOT NULL,
	median_depth     REAL NOT NULL,
	blob             BLOB NOT NULL,
	blob_sha256      TEXT NOT NULL,
	reason           TEXT
);
CREATE INDEX IF NOT EXISTS idx_map_snapshots_run ON map_snapshots(run_id, snapshot_id DESC);
`

// applyPragmas applies the essential SQLite PRAGMAs for performance and
// concurrency: WAL allows concurrent reads and writes, busy_timeout avoids
// immediate "database is locked" errors under the periodic snapshot worker.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

// Store wraps a sqlite database of map snapshots for a single run.
type Store struct {
	*sql.DB
	runID string
}

// Open opens or creates a snapshot database at path. An empty runID mints a
// fresh one, stamping every snapshot written through this Store with a
// single externally-visible session identifier (spec.md keeps internal ids
// monotone int64, so this uuid is reserved for cross-run identification).
func Open(path string, runID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Store{DB: db, runID: runID}, nil
}

// RunID returns the session identifier stamped on snapshots written by this
// Store.
func (s *Store) RunID() string { return s.runID }

// keyframeDoc is the JSON-serializable projection of a slam.KeyFrame used
// inside a snapshot blob.
type keyframeDoc struct {
	ID                int64           `json:"id"`
	FrameID           int64           `json:"frame_id"`
	TimestampUnixNano int64           `json:"timestamp_unix_nano"`
	Tcw               [16]float64     `json:"tcw"`
	IsOrigin          bool            `json:"is_origin"`
	Bad               bool            `json:"bad"`
	ParentID          int64           `json:"parent_id"`
	HasParent         bool            `json:"has_parent"`
	ChildIDs          []int64         `json:"child_ids,omitempty"`
	LoopEdgeIDs       []int64         `json:"loop_edge_ids,omitempty"`
	Connections       map[int64]int   `json:"connections,omitempty"`
	MapPointIDs       []int64         `json:"map_point_ids"` // parallel to keypoints, -1 when unassigned
}

// mapPointDoc is the JSON-serializable projection of a slam.MapPoint.
type mapPointDoc struct {
	ID              int64          `json:"id"`
	Position        [3]float64     `json:"position"`
	Descriptor      [4]uint64      `json:"descriptor"`
	RefKeyFrameID   int64          `json:"ref_keyframe_id"`
	NumObservations int            `json:"num_observations"`
	Bad             bool           `json:"bad"`
}

// snapshotDoc is the full document gzip-compressed into a single blob row.
type snapshotDoc struct {
	RunID         string        `json:"run_id"`
	TakenUnixNano int64         `json:"taken_unix_nano"`
	Reason        string        `json:"reason,omitempty"`
	KeyFrames     []keyframeDoc `json:"keyframes"`
	MapPoints     []mapPointDoc `json:"map_points"`
}

func encodeKeyFrame(kf *slam.KeyFrame) keyframeDoc {
	pose := kf.Pose()
	var tcw [16]float64
	if pose.Tcw != nil {
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				tcw[r*4+c] = pose.Tcw.At(r, c)
			}
		}
	}

	doc := keyframeDoc{
		ID:                kf.ID(),
		FrameID:           kf.FrameID(),
		TimestampUnixNano: kf.Timestamp().UnixNano(),
		Tcw:               tcw,
		IsOrigin:          kf.IsOrigin(),
		Bad:               kf.IsBad(),
	}

	if parent := kf.Parent(); parent != nil {
		doc.HasParent = true
		doc.ParentID = parent.ID()
	}
	for _, child := range kf.Children() {
		doc.ChildIDs = append(doc.ChildIDs, child.ID())
	}
	for _, edge := range kf.LoopEdges() {
		doc.LoopEdgeIDs = append(doc.LoopEdgeIDs, edge.ID())
	}
	sort.Slice(doc.ChildIDs, func(i, j int) bool { return doc.ChildIDs[i] < doc.ChildIDs[j] })
	sort.Slice(doc.LoopEdgeIDs, func(i, j int) bool { return doc.LoopEdgeIDs[i] < doc.LoopEdgeIDs[j] })

	covisibles := kf.AllCovisibles()
	if len(covisibles) > 0 {
		doc.Connections = make(map[int64]int, len(covisibles))
		for _, id := range covisibles {
			doc.Connections[id] = kf.Weight(id)
		}
	}

	n := kf.NumKeypoints()
	doc.MapPointIDs = make([]int64, n)
	for i := 0; i < n; i++ {
		if mp := kf.MapPointAt(i); mp != nil {
			doc.MapPointIDs[i] = mp.ID()
		} else {
			doc.MapPointIDs[i] = -1
		}
	}
	return doc
}

func encodeMapPoint(mp *slam.MapPoint) mapPointDoc {
	pos := mp.Position()
	doc := mapPointDoc{
		ID:              mp.ID(),
		Position:        [3]float64{pos[0], pos[1], pos[2]},
		Descriptor:      mp.Descriptor(),
		NumObservations: mp.NumObservations(),
		Bad:             mp.IsBad(),
	}
	if ref := mp.RefKeyFrame(); ref != nil {
		doc.RefKeyFrameID = ref.ID()
	}
	return doc
}

// medianDepth summarizes a snapshot's scene scale as the median distance of
// every non-bad map point from the world origin, reported alongside each
// row so a caller can spot a diverging reconstruction without decompressing
// the blob.
func medianDepth(points []mapPointDoc) float64 {
	var depths []float64
	for _, p := range points {
		if p.Bad {
			continue
		}
		d := p.Position[0]*p.Position[0] + p.Position[1]*p.Position[1] + p.Position[2]*p.Position[2]
		depths = append(depths, d)
	}
	if len(depths) == 0 {
		return 0
	}
	sort.Float64s(depths)
	for i, d := range depths {
		depths[i] = sqrt(d)
	}
	return stat.Quantile(0.5, stat.Empirical, depths, nil)
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	// Newton's method avoids pulling in math just for one call site; the
	// scale here (meters) tolerates the handful of iterations' error.
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// buildSnapshot projects a live map into a JSON-serializable document.
func buildSnapshot(m *slam.Map, runID, reason string, taken time.Time) snapshotDoc {
	kfs := m.AllKeyFrames()
	pts := m.AllMapPoints()

	doc := snapshotDoc{
		RunID:         runID,
		TakenUnixNano: taken.UnixNano(),
		Reason:        reason,
		KeyFrames:     make([]keyframeDoc, 0, len(kfs)),
		MapPoints:     make([]mapPointDoc, 0, len(pts)),
	}
	for _, kf := range kfs {
		doc.KeyFrames = append(doc.KeyFrames, encodeKeyFrame(kf))
	}
	for _, mp := range pts {
		doc.MapPoints = append(doc.MapPoints, encodeMapPoint(mp))
	}
	// AllKeyFrames/AllMapPoints snapshot a Go map, so their order is not
	// stable across calls. Sort by id so two snapshots of an unchanged map
	// encode to identical payloads and checksums (needed for
	// FindDuplicateSnapshots)
	// and so Restore recreates keyframes/points in their original id order.
	sort.Slice(doc.KeyFrames, func(i, j int) bool { return doc.KeyFrames[i].ID < doc.KeyFrames[j].ID })
	sort.Slice(doc.MapPoints, func(i, j int) bool { return doc.MapPoints[i].ID < doc.MapPoints[j].ID })
	return doc
}

// payload is the part of a snapshotDoc whose checksum identifies the map
// content itself; run id, timestamp, and reason are per-row metadata and
// deliberately excluded so two snapshots of an unchanged map hash identically
// (the same separation the teacher keeps between grid_blob and its sibling
// taken_unix_nanos/snapshot_reason columns).
type payload struct {
	KeyFrames []keyframeDoc `json:"keyframes"`
	MapPoints []mapPointDoc `json:"map_points"`
}

func compress(doc snapshotDoc) (blob []byte, checksum string, err error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	payloadRaw, err := json.Marshal(payload{KeyFrames: doc.KeyFrames, MapPoints: doc.MapPoints})
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(payloadRaw)
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func decompress(blob []byte) (snapshotDoc, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return snapshotDoc{}, err
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return snapshotDoc{}, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snapshotDoc{}, err
	}
	return doc, nil
}

// Snapshot serializes the current state of m and inserts it as a new row,
// returning the new snapshot's id. reason is a short free-text label (e.g.
// "loop_closure", "periodic") stored alongside the row for later triage.
func (s *Store) Snapshot(m *slam.Map, reason string) (int64, error) {
	taken := time.Now().UTC()
	doc := buildSnapshot(m, s.runID, reason, taken)
	blob, checksum, err := compress(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	stmt := `INSERT INTO map_snapshots
		(run_id, taken_unix_nanos, keyframe_count, mappoint_count, median_depth, blob, blob_sha256, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.Exec(stmt, s.runID, taken.UnixNano(), len(doc.KeyFrames), len(doc.MapPoints),
		medianDepth(doc.MapPoints), blob, checksum, reason)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	monitoring.Logf("slam/mapstore: snapshot %d stored (%d keyframes, %d map points, reason=%q)",
		id, len(doc.KeyFrames), len(doc.MapPoints), reason)
	return id, nil
}

// Summary describes a stored snapshot row without decompressing its blob.
type Summary struct {
	SnapshotID    int64
	RunID         string
	TakenUnixNano int64
	KeyFrameCount int
	MapPointCount int
	MedianDepth   float64
	BlobSHA256    string
	Reason        string
}

func scanSummary(row interface {
	Scan(dest ...any) error
}) (Summary, error) {
	var s Summary
	var reason sql.NullString
	if err := row.Scan(&s.SnapshotID, &s.RunID, &s.TakenUnixNano, &s.KeyFrameCount,
		&s.MapPointCount, &s.MedianDepth, &s.BlobSHA256, &reason); err != nil {
		return Summary{}, err
	}
	s.Reason = reason.String
	return s, nil
}

// List returns up to limit snapshot summaries for runID, most recent first.
func (s *Store) List(runID string, limit int) ([]Summary, error) {
	q := `SELECT snapshot_id, run_id, taken_unix_nanos, keyframe_count, mappoint_count, median_depth, blob_sha256, reason
		  FROM map_snapshots WHERE run_id = ? ORDER BY snapshot_id DESC LIMIT ?`
	rows, err := s.Query(q, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Latest returns the most recent snapshot summary for runID, or false if
// none exist.
func (s *Store) Latest(runID string) (Summary, bool, error) {
	q := `SELECT snapshot_id, run_id, taken_unix_nanos, keyframe_count, mappoint_count, median_depth, blob_sha256, reason
		  FROM map_snapshots WHERE run_id = ? ORDER BY snapshot_id DESC LIMIT 1`
	sm, err := scanSummary(s.QueryRow(q, runID))
	if err == sql.ErrNoRows {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	return sm, true, nil
}

// Restore decompresses the snapshot with the given id and rebuilds it into
// a fresh Map with the snapshot's poses, spanning-tree/loop edges, and
// covisibility weights. Keyframes and map points are recreated in their
// original id order but receive fresh ids counted from 0, so an id differs
// from the snapshot's wherever lower ids were missing. Callers that need a
// live map back after a crash call this once at startup; it is not meant to
// be merged into an already-running map.
func (s *Store) Restore(snapshotID int64) (*slam.Map, error) {
	var blob []byte
	q := `SELECT blob FROM map_snapshots WHERE snapshot_id = ?`
	if err := s.QueryRow(q, snapshotID).Scan(&blob); err != nil {
		return nil, err
	}
	doc, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d: %w", snapshotID, err)
	}
	return rebuildMap(doc)
}

func rebuildMap(doc snapshotDoc) (*slam.Map, error) {
	m := slam.NewMap(slam.ScalePyramid{ScaleFactor: 1.2, NumLevels: 8})

	kfByID := make(map[int64]*slam.KeyFrame, len(doc.KeyFrames))
	for _, kd := range doc.KeyFrames {
		tcw := tcwFromFlat(kd.Tcw)
		pose := slam.PoseFromTcw(tcw)
		// Per-keypoint descriptors are not persisted in the snapshot: once a
		// keypoint carries a map point, the point's own RecomputeDescriptor
		// output supersedes it, and the only callers of Restore are startup
		// recovery paths that operate on poses and the graph, not re-running
		// feature matching against a restored keyframe's raw descriptors.
		fs := slam.FeatureSet{
			Keypoints:   make([]slam.KeyPoint, len(kd.MapPointIDs)),
			Descriptors: make([]slam.Descriptor, len(kd.MapPointIDs)),
		}
		frame := slam.NewFrame(kd.FrameID, time.Unix(0, kd.TimestampUnixNano), fs, nil)
		kf := m.CreateKeyFrame(frame, pose)
		if kd.IsOrigin {
			kf.SetOrigin()
		}
		kfByID[kd.ID] = kf
	}

	mpByID := make(map[int64]*slam.MapPoint, len(doc.MapPoints))
	for _, pd := range doc.MapPoints {
		ref, ok := kfByID[pd.RefKeyFrameID]
		if !ok {
			continue
		}
		pos := slam.Vec3{pd.Position[0], pd.Position[1], pd.Position[2]}
		mp := m.CreateMapPoint(pos, ref, pd.Descriptor)
		if pd.Bad {
			mp.SetBad()
		}
		mpByID[pd.ID] = mp
	}

	for _, kd := range doc.KeyFrames {
		kf := kfByID[kd.ID]
		for i, mpID := range kd.MapPointIDs {
			if mpID < 0 {
				continue
			}
			if mp, ok := mpByID[mpID]; ok {
				kf.SetMapPointAt(i, mp)
				mp.AddObservation(kf, i)
			}
		}
		for otherID, weight := range kd.Connections {
			if other, ok := kfByID[otherID]; ok {
				kf.AddConnection(other.ID(), weight)
			}
		}
		for _, edgeID := range kd.LoopEdgeIDs {
			if other, ok := kfByID[edgeID]; ok {
				kf.AddLoopEdge(other)
			}
		}
		if kd.Bad {
			kf.SetBad()
		}
	}
	for _, kd := range doc.KeyFrames {
		if !kd.HasParent {
			continue
		}
		kf, ok := kfByID[kd.ID]
		parent, okP := kfByID[kd.ParentID]
		if ok && okP {
			kf.ChangeParent(parent)
		}
	}

	return m, nil
}

func tcwFromFlat(flat [16]float64) *mat.Dense {
	tcw := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			tcw.Set(r, c, flat[r*4+c])
		}
	}
	return tcw
}

// DuplicateGroup describes a run of snapshots whose payload checksums match
// (keyframes and map points only; run id, timestamp, and reason are not
// part of the checksum), the same dedup shape internal/db/db.go uses for
// background-subtraction snapshots: SQLite has no native hash function, so
// grouping happens in Go over the sha256 column already stored per row.
type DuplicateGroup struct {
	BlobHash    string
	Count       int
	SnapshotIDs []int64
	KeepID      int64
	DeleteIDs   []int64
}

// FindDuplicateSnapshots groups runID's snapshots by blob_sha256 and reports
// groups with more than one member, oldest kept.
func (s *Store) FindDuplicateSnapshots(runID string) ([]DuplicateGroup, error) {
	q := `SELECT snapshot_id, blob_sha256 FROM map_snapshots WHERE run_id = ? ORDER BY snapshot_id ASC`
	rows, err := s.Query(q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order := []string{}
	groups := make(map[string][]int64)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		if _, seen := groups[hash]; !seen {
			order = append(order, hash)
		}
		groups[hash] = append(groups[hash], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []DuplicateGroup
	for _, hash := range order {
		ids := groups[hash]
		if len(ids) <= 1 {
			continue
		}
		out = append(out, DuplicateGroup{
			BlobHash:    hash,
			Count:       len(ids),
			SnapshotIDs: ids,
			KeepID:      ids[0],
			DeleteIDs:   append([]int64(nil), ids[1:]...),
		})
	}
	return out, nil
}

// Prune deletes every snapshot in runID older than keepLast most-recent
// rows, returning the number of rows removed.
func (s *Store) Prune(ctx context.Context, runID string, keepLast int) (int64, error) {
	q := `DELETE FROM map_snapshots WHERE run_id = ? AND snapshot_id NOT IN (
		SELECT snapshot_id FROM map_snapshots WHERE run_id = ? ORDER BY snapshot_id DESC LIMIT ?
	)`
	res, err := s.ExecContext(ctx, q, runID, runID, keepLast)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
