// Package api exposes the control surface named in spec.md §6: reset,
// shutdown, activate/deactivate localization mode, and a pose query, plus
// read-only map statistics. It mirrors the shape of the teacher's own
// internal/api.Server (a stored *http.ServeMux so admin routes registered
// before Start are preserved, a LoggingMiddleware wrapper, a
// writeJSONError helper) generalized from radar event/site endpoints to
// SLAM's tracking/map endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/slam/internal/httputil"
	"github.com/banshee-data/slam/internal/slam"
	"github.com/banshee-data/slam/internal/slam/mapstore"
	"github.com/banshee-data/slam/internal/slam/tracking"
	"github.com/banshee-data/slam/internal/version"
)

// Controller is the subset of tracking.Tracker the control surface drives.
// Defined here, not in tracking, the same one-way-coupling convention the
// slam pipelines already use between themselves (tracking.LocalMapper,
// localmap.LoopCloser, loopclose.LocalMapper).
type Controller interface {
	State() tracking.State
	Reset()
	ActivateLocalizationMode()
	DeactivateLocalizationMode()
	CurrentPose() (slam.Pose, bool)
}

// PipelineStopper is satisfied by localmap.Worker and loopclose.Worker;
// shutdown drains both background pipelines before the process exits.
type PipelineStopper interface {
	Stop()
}

// Server holds everything the control surface needs to answer requests. It
// does not own the camera loop or the pipelines themselves; cmd/slam wires
// those in and calls Start.
type Server struct {
	tracker   Controller
	m         *slam.Map
	store     *mapstore.Store
	stoppers  []PipelineStopper
	startedAt time.Time

	mu           sync.Mutex
	mux          *http.ServeMux
	shutdownOnce sync.Once
}

// NewServer wires a control-surface Server. store may be nil when no
// snapshot database is configured; admin routes then skip the tailsql
// mount.
func NewServer(tracker Controller, m *slam.Map, store *mapstore.Store, stoppers ...PipelineStopper) *Server {
	return &Server{
		tracker:   tracker,
		m:         m,
		store:     store,
		stoppers:  stoppers,
		startedAt: time.Now(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.WriteJSON(w, status, v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

// ServeMux returns the server's HTTP handler, creating it on first call.
// Additional routes (admin, debug) registered on the returned mux before
// Start are preserved.
func (s *Server) ServeMux() *http.ServeMux {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/api/localization_mode", s.handleLocalizationMode)
	mux.HandleFunc("/api/pose", s.handlePose)
	mux.HandleFunc("/api/map_stats", s.handleMapStats)
	s.mux = mux
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"state":   s.tracker.State().String(),
		"uptime":  time.Since(s.startedAt).String(),
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.tracker.Reset()
	log.Printf("slam/api: reset requested")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleShutdown stops every registered pipeline worker and, if a snapshot
// store is configured, takes a final snapshot; the store itself is left
// open for its owner to close. It does
// not terminate the HTTP server itself; the caller's process exits after
// Start's context is canceled.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.shutdownOnce.Do(func() {
		for _, stopper := range s.stoppers {
			stopper.Stop()
		}
		if s.store != nil && s.m != nil {
			if _, err := s.store.Snapshot(s.m, "shutdown"); err != nil {
				log.Printf("slam/api: final snapshot on shutdown failed: %v", err)
			}
		}
		log.Printf("slam/api: shutdown complete")
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown"})
}

func (s *Server) handleLocalizationMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// no direct getter on Controller; state name is the best signal
		s.writeJSON(w, http.StatusOK, map[string]string{"state": s.tracker.State().String()})
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
			return
		}
		if req.Enabled {
			s.tracker.ActivateLocalizationMode()
			log.Printf("slam/api: localization mode activated")
		} else {
			s.tracker.DeactivateLocalizationMode()
			log.Printf("slam/api: localization mode deactivated")
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	default:
		httputil.MethodNotAllowed(w)
	}
}

// poseResponse reports the world-to-camera pose (Tcw) as a translation vector and
// row-major rotation matrix; there is no quaternion helper in this system,
// and this is the same representation Pose already carries internally.
type poseResponse struct {
	Available   bool       `json:"available"`
	Translation [3]float64 `json:"translation,omitempty"`
	Rotation    [9]float64 `json:"rotation,omitempty"`
}

func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	pose, ok := s.tracker.CurrentPose()
	if !ok {
		s.writeJSON(w, http.StatusOK, poseResponse{Available: false})
		return
	}
	resp := poseResponse{Available: true, Translation: [3]float64{pose.Tcw3[0], pose.Tcw3[1], pose.Tcw3[2]}}
	if pose.Rcw != nil {
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				resp.Rotation[row*3+col] = pose.Rcw.At(row, col)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMapStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.m == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "map not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"keyframe_count":  s.m.NumKeyFrames(),
		"mappoint_count":  s.m.NumMapPoints(),
		"change_index":    s.m.ChangeIndex(),
	})
}

// AttachAdminRoutes mounts tsweb debug routes and, when a snapshot store is
// configured, a read-only tailsql endpoint over it, the same pairing
// internal/db.AttachAdminRoutes wires for the teacher's sensor database.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("map-stats", "Keyframe/map point counts (JSON)", http.HandlerFunc(s.handleMapStats))
	debug.Handle("pose", "Most recent tracked pose (JSON)", http.HandlerFunc(s.handlePose))

	if s.store == nil {
		return
	}
	tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		log.Printf("slam/api: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://map_snapshots.db", s.store.DB, &tailsql.DBOptions{Label: "SLAM map snapshots"})
	debug.Handle("tailsql/", "SQL live debugging of map snapshots", tsql.NewMux())
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration for every
// request, the same shape the teacher's own LoggingMiddleware uses.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%d] %s %s %vms", lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}

// Start launches the HTTP server and blocks until ctx is done or the
// server returns an error.
func (s *Server) Start(ctx context.Context, listen string) error {
	mux := s.ServeMux()
	server := &http.Server{Addr: listen, Handler: LoggingMiddleware(mux)}
	log.Printf("slam/api: listening on port %s", listenPort(listen))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("slam/api: shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("slam/api: HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("slam/api: HTTP server force close error: %v", err)
			}
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// listenPort extracts the numeric port from an address for logging; it
// returns "" if none is present.
func listenPort(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return port
	}
	return ""
}
