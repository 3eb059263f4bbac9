package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/slam/internal/api"
	"github.com/banshee-data/slam/internal/config"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/camera"
	"github.com/banshee-data/slam/internal/slam/initmap"
	"github.com/banshee-data/slam/internal/slam/localmap"
	"github.com/banshee-data/slam/internal/slam/loopclose"
	"github.com/banshee-data/slam/internal/slam/mapstore"
	"github.com/banshee-data/slam/internal/slam/report"
	"github.com/banshee-data/slam/internal/slam/tracking"
	"github.com/banshee-data/slam/internal/slam/vocab"
	"github.com/banshee-data/slam/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run in dev mode against a recorded fixture instead of a live camera source")
	listen       = flag.String("listen", ":8080", "HTTP control-surface listen address")
	grpcListen   = flag.String("grpc-listen", ":9090", "gRPC control-surface listen address")
	configPath   = flag.String("config", "", "Path to a tuning config JSON file (defaults baked in if empty)")
	vocabPath    = flag.String("vocab", "", "Path to a trained vocabulary file (loop detection disabled if empty)")
	fixturesPath = flag.String("fixtures", "fixtures.json", "Path to a recorded frame fixture (dev mode only)")
	snapshotDB   = flag.String("snapshot-db", "map_snapshots.db", "Path to the map snapshot sqlite database, empty to disable")
	snapshotEvery = flag.Duration("snapshot-interval", 5*time.Minute, "Interval between periodic map snapshots")
	reportPath   = flag.String("report", "", "Write a trajectory/map-point PNG to this path on shutdown; empty to disable")
)

// fixtureFrame is the on-disk JSON shape dev mode reads in place of a live
// image-capture/ORB-extraction collaborator (explicitly external per the
// camera.Source contract); it mirrors the teacher's own fixtures.txt +
// serialmux.NewMockSerialMux dev-mode substitution.
type fixtureFrame struct {
	TimestampUnixNano int64 `json:"timestamp_unix_nano"`
	Keypoints         []struct {
		X, Y   float64
		Octave int
		Angle  float64
	} `json:"keypoints"`
	Descriptors [][4]uint64 `json:"descriptors"`
}

type fixtureFile struct {
	Intrinsics struct {
		Fx, Fy, Cx, Cy         float64
		MinX, MaxX, MinY, MaxY float64
		FPS                    float64
	} `json:"intrinsics"`
	Frames []fixtureFrame `json:"frames"`
}

func loadFixtures(path string) (camera.Intrinsics, []camera.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return camera.Intrinsics{}, nil, fmt.Errorf("failed to read fixtures file: %w", err)
	}
	var ff fixtureFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return camera.Intrinsics{}, nil, fmt.Errorf("failed to parse fixtures JSON: %w", err)
	}

	intrinsics := camera.Intrinsics{
		Calib: slam.Calibration{
			Fx: ff.Intrinsics.Fx, Fy: ff.Intrinsics.Fy,
			Cx: ff.Intrinsics.Cx, Cy: ff.Intrinsics.Cy,
			MinX: ff.Intrinsics.MinX, MaxX: ff.Intrinsics.MaxX,
			MinY: ff.Intrinsics.MinY, MaxY: ff.Intrinsics.MaxY,
		},
		FPS: ff.Intrinsics.FPS,
	}

	images := make([]camera.Image, 0, len(ff.Frames))
	for _, f := range ff.Frames {
		fs := slam.FeatureSet{
			Keypoints:   make([]slam.KeyPoint, len(f.Keypoints)),
			Descriptors: make([]slam.Descriptor, len(f.Descriptors)),
		}
		for i, kp := range f.Keypoints {
			fs.Keypoints[i] = slam.KeyPoint{X: kp.X, Y: kp.Y, Octave: kp.Octave, Angle: kp.Angle}
		}
		for i, d := range f.Descriptors {
			fs.Descriptors[i] = slam.Descriptor(d)
		}
		images = append(images, camera.Image{
			Timestamp: time.Unix(0, f.TimestampUnixNano),
			Features:  fs,
		})
	}
	return intrinsics, images, nil
}

// buildConfigs derives the three pipeline Config structs from tuning
// config, overriding only the named fields SLAMConfig tracks and leaving
// everything else at the tracking/localmap/loopclose/initmap package
// defaults.
func buildConfigs(cfg *config.SLAMConfig) (tracking.Config, localmap.Config, loopclose.Config) {
	tc := tracking.DefaultConfig()
	tc.InitRANSAC = initmap.Config{
		Iterations:    cfg.GetInitRansacIterations(),
		Sigma:         cfg.GetInitSigma(),
		MinMatches:    tc.InitRANSAC.MinMatches,
		MinGoodPoints: tc.InitRANSAC.MinGoodPoints,
	}
	tc.LocalMapBudget = cfg.GetLocalKeyframeBudget()
	tc.MinFramesBetweenKeyframes = cfg.GetMinFrames()
	tc.MaxFramesBetweenKeyframes = cfg.GetMaxFrames()

	lc := localmap.DefaultConfig()
	lc.CovisibilityWeight = cfg.GetHighCovisibilityWeight()

	loopc := loopclose.DefaultConfig()

	return tc, lc, loopc
}

func main() {
	flag.Parse()

	log.Printf("slam: starting version=%s git_sha=%s", version.Version, version.GitSHA)

	cfg := config.EmptyConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath, "")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	var source camera.Source
	if *devMode {
		intrinsics, images, err := loadFixtures(*fixturesPath)
		if err != nil {
			log.Fatalf("failed to load fixtures: %v", err)
		}
		source = camera.NewRecorded(intrinsics, images)
	} else {
		log.Fatal("no live camera source is wired into this build; image capture and ORB extraction are external collaborators (run with -dev against a fixture)")
	}
	defer source.Close()

	if err := source.Intrinsics().Validate(); err != nil {
		log.Fatalf("invalid camera intrinsics: %v", err)
	}

	var vocabulary *vocab.Vocabulary
	if *vocabPath != "" {
		v, err := vocab.Load(*vocabPath, "")
		if err != nil {
			log.Fatalf("failed to load vocabulary: %v", err)
		}
		vocabulary = v
	} else {
		vocabulary = vocab.New(nil)
		log.Printf("slam: no vocabulary configured; loop detection and relocalization will not find candidates")
	}

	pyramid := slam.ScalePyramid{
		ScaleFactor: cfg.GetScaleFactor(),
		NumLevels:   cfg.GetPyramidLevels(),
	}
	m := slam.NewMap(pyramid)
	db := slam.NewKeyFrameDatabase()

	var store *mapstore.Store
	if *snapshotDB != "" {
		s, err := mapstore.Open(*snapshotDB, "")
		if err != nil {
			log.Fatalf("failed to open snapshot database: %v", err)
		}
		store = s
		defer store.Close()
		log.Printf("slam: snapshotting to %s under run %s", *snapshotDB, store.RunID())
	}

	trackCfg, localCfg, loopCfg := buildConfigs(cfg)

	loopWorker := loopclose.New(loopCfg, m, db, vocabulary, nil)
	localWorker := localmap.New(localCfg, m, db, vocabulary, loopWorker)
	tracker := tracking.New(trackCfg, m, db, vocabulary, source.Intrinsics().Calib, localWorker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	localWorker.Start(ctx)
	loopWorker.Start(ctx)

	var snapWorker *mapstore.SnapshotWorker
	if store != nil {
		snapWorker = mapstore.NewSnapshotWorker(store, m, *snapshotEvery, "periodic")
		snapWorker.Start()
	}

	server := api.NewServer(tracker, m, store, localWorker, loopWorker)
	if store != nil {
		server.AttachAdminRoutes(server.ServeMux())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, *listen); err != nil && err != http.ErrServerClosed {
			log.Printf("slam: HTTP control server error: %v", err)
		}
	}()

	grpcServer := api.NewGRPCServer(server)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runGRPCServer(ctx, grpcServer, *grpcListen)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runCameraLoop(ctx, source, tracker)
	}()

	wg.Wait()

	if snapWorker != nil {
		snapWorker.Stop()
	}
	localWorker.Stop()
	loopWorker.Stop()

	if *reportPath != "" {
		if err := report.TrajectoryPlot(m, *reportPath); err != nil {
			log.Printf("slam: failed to write trajectory report: %v", err)
		} else {
			log.Printf("slam: wrote trajectory report to %s", *reportPath)
		}
	}
	log.Printf("slam: graceful shutdown complete")
}

// runCameraLoop pulls frames from source and drives them through the
// tracker until ctx is done or the source is exhausted, the same
// subscribe/handleEvent shape the teacher's main loop uses for its serial
// event channel.
func runCameraLoop(ctx context.Context, source camera.Source, tracker *tracking.Tracker) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("slam: camera loop terminated")
			return
		default:
		}
		img, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("slam: camera source exhausted: %v", err)
			return
		}
		tracker.ProcessFrame(img.Features, img.Timestamp)
	}
}

// runGRPCServer starts grpcServer on listen and blocks until ctx is done,
// mirroring Server.Start's graceful-shutdown shape for the HTTP listener.
func runGRPCServer(ctx context.Context, grpcServer *grpc.Server, listen string) {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", listen)
	if err != nil {
		log.Printf("slam: failed to listen for gRPC on %s: %v", listen, err)
		return
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Printf("slam: shutting down gRPC server...")
		grpcServer.GracefulStop()
	case err := <-errCh:
		if err != nil {
			log.Printf("slam: gRPC server error: %v", err)
		}
	}
}
