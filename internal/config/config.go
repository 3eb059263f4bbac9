// Package config loads the JSON tuning configuration for the SLAM engine.
//
// The schema is a flat struct of optional (pointer) fields so a partial JSON
// document can override only the parameters the caller cares about; every
// field has a documented default reachable through a Get* accessor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/slam/internal/security"
)

// DefaultConfigPath is the canonical tuning defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/tuning.defaults.json"

// SLAMConfig is the root configuration for camera, ORB, matcher, initializer
// and pipeline tuning parameters, read once at startup.
type SLAMConfig struct {
	// Camera / calibration (§6 Inputs)
	FPS             *float64 `json:"fps,omitempty"`
	ImageWidth      *int     `json:"image_width,omitempty"`
	ImageHeight     *int     `json:"image_height,omitempty"`
	Fx              *float64 `json:"fx,omitempty"`
	Fy              *float64 `json:"fy,omitempty"`
	Cx              *float64 `json:"cx,omitempty"`
	Cy              *float64 `json:"cy,omitempty"`
	DistortionK1    *float64 `json:"distortion_k1,omitempty"`
	DistortionK2    *float64 `json:"distortion_k2,omitempty"`
	DistortionP1    *float64 `json:"distortion_p1,omitempty"`
	DistortionP2    *float64 `json:"distortion_p2,omitempty"`
	Fisheye         *bool    `json:"fisheye,omitempty"`

	// ORB extraction (assumed external collaborator, §6)
	FeaturesPerFrame *int     `json:"features_per_frame,omitempty"`
	PyramidLevels    *int     `json:"pyramid_levels,omitempty"`
	ScaleFactor      *float64 `json:"scale_factor,omitempty"`
	InitFASTThresh   *int     `json:"init_fast_threshold,omitempty"`
	MinFASTThresh    *int     `json:"min_fast_threshold,omitempty"`

	// Matcher thresholds (§4.6)
	MatchLowThreshold  *int     `json:"match_low_threshold,omitempty"`
	MatchHighThreshold *int     `json:"match_high_threshold,omitempty"`
	DefaultRatio       *float64 `json:"default_ratio,omitempty"`

	// Initializer (§4.5)
	InitRansacIterations *int     `json:"init_ransac_iterations,omitempty"`
	InitSigma            *float64 `json:"init_sigma,omitempty"`

	// Keyframe insertion policy (§4.2.4)
	MinFrames *int `json:"min_frames,omitempty"`
	MaxFrames *int `json:"max_frames,omitempty"`

	// Essential graph / local BA weight floor (§9 Open Question 1,
	// resolved in SPEC_FULL.md §3: 100)
	HighCovisibilityWeight *int `json:"high_covisibility_weight,omitempty"`

	// Recently-added-points probation window, in keyframe counts (§9 Open
	// Question 2, resolved in SPEC_FULL.md §3: 2)
	RecentPointProbationKeyframes *int `json:"recent_point_probation_keyframes,omitempty"`

	// Local map budget (§4.2.3)
	LocalKeyframeBudget *int `json:"local_keyframe_budget,omitempty"`

	// Viewer cosmetics: accepted for schema compatibility, never read by
	// the core pipelines.
	ViewerPointSize    *float64 `json:"viewer_point_size,omitempty"`
	ViewerCameraSize   *float64 `json:"viewer_camera_size,omitempty"`

	// Depth/stereo parameters: accepted and ignored in mono mode (§6).
	StereoBaseline   *float64 `json:"stereo_baseline,omitempty"`
	DepthMapFactor   *float64 `json:"depth_map_factor,omitempty"`
}

// EmptyConfig returns a SLAMConfig with all fields nil; every Get* accessor
// falls back to its documented default.
func EmptyConfig() *SLAMConfig {
	return &SLAMConfig{}
}

// LoadConfig loads a SLAMConfig from a JSON file. The path must have a
// .json extension and be under 1MB; when dir is non-empty it must also
// resolve inside dir (an empty dir skips that check). Fields omitted
// from the JSON retain their defaults, so partial configs are safe.
func LoadConfig(path, dir string) (*SLAMConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	if dir != "" {
		if err := security.ValidatePathWithinDirectory(cleanPath, dir); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that set fields hold sane values. Unset (nil) fields are
// always valid; they resolve through Get* defaults.
func (c *SLAMConfig) Validate() error {
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %f", *c.FPS)
	}
	if c.ScaleFactor != nil && *c.ScaleFactor <= 1.0 {
		return fmt.Errorf("scale_factor must be > 1.0, got %f", *c.ScaleFactor)
	}
	if c.PyramidLevels != nil && *c.PyramidLevels < 1 {
		return fmt.Errorf("pyramid_levels must be >= 1, got %d", *c.PyramidLevels)
	}
	if c.DefaultRatio != nil && (*c.DefaultRatio <= 0 || *c.DefaultRatio >= 1) {
		return fmt.Errorf("default_ratio must be in (0,1), got %f", *c.DefaultRatio)
	}
	if c.InitRansacIterations != nil && *c.InitRansacIterations < 1 {
		return fmt.Errorf("init_ransac_iterations must be >= 1, got %d", *c.InitRansacIterations)
	}
	return nil
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// GetFPS returns the configured frame rate or the default of 30.
func (c *SLAMConfig) GetFPS() float64 {
	if c.FPS == nil {
		return 30.0
	}
	return *c.FPS
}

// GetFeaturesPerFrame returns the ORB feature budget or the default of
// 1000. No code in this module reads or scales it; feature extraction is
// done by the external collaborator.
func (c *SLAMConfig) GetFeaturesPerFrame() int {
	if c.FeaturesPerFrame == nil {
		return 1000
	}
	return *c.FeaturesPerFrame
}

// GetPyramidLevels returns the ORB pyramid level count or the default of 8.
func (c *SLAMConfig) GetPyramidLevels() int {
	if c.PyramidLevels == nil {
		return 8
	}
	return *c.PyramidLevels
}

// GetScaleFactor returns the ORB pyramid scale factor or the default of
// 1.2.
func (c *SLAMConfig) GetScaleFactor() float64 {
	if c.ScaleFactor == nil {
		return 1.2
	}
	return *c.ScaleFactor
}

// GetInitFASTThreshold returns the initial FAST threshold or the default
// of 20.
func (c *SLAMConfig) GetInitFASTThreshold() int {
	if c.InitFASTThresh == nil {
		return 20
	}
	return *c.InitFASTThresh
}

// GetMinFASTThreshold returns the fallback FAST threshold or the default
// of 7.
func (c *SLAMConfig) GetMinFASTThreshold() int {
	if c.MinFASTThresh == nil {
		return 7
	}
	return *c.MinFASTThresh
}

// GetMatchLowThreshold returns the descriptor-distance LOW gate (§4.6) or
// the default of 50 bits.
func (c *SLAMConfig) GetMatchLowThreshold() int {
	if c.MatchLowThreshold == nil {
		return 50
	}
	return *c.MatchLowThreshold
}

// GetMatchHighThreshold returns the descriptor-distance HIGH gate (§4.6)
// or the default of 100 bits.
func (c *SLAMConfig) GetMatchHighThreshold() int {
	if c.MatchHighThreshold == nil {
		return 100
	}
	return *c.MatchHighThreshold
}

// GetDefaultRatio returns the matcher's best/second-best ratio or the
// default of 0.6.
func (c *SLAMConfig) GetDefaultRatio() float64 {
	if c.DefaultRatio == nil {
		return 0.6
	}
	return *c.DefaultRatio
}

// GetInitRansacIterations returns the Initializer's RANSAC iteration
// target or the default of 200.
func (c *SLAMConfig) GetInitRansacIterations() int {
	if c.InitRansacIterations == nil {
		return 200
	}
	return *c.InitRansacIterations
}

// GetInitSigma returns the Initializer's assumed keypoint noise σ or the
// default of 1.0.
func (c *SLAMConfig) GetInitSigma() float64 {
	if c.InitSigma == nil {
		return 1.0
	}
	return *c.InitSigma
}

// GetMinFrames returns the minimum frame gap between keyframe insertions
// or the default of 0.
func (c *SLAMConfig) GetMinFrames() int {
	if c.MinFrames == nil {
		return 0
	}
	return *c.MinFrames
}

// GetMaxFrames returns the maximum frame gap before a keyframe is forced
// or the default of one second's worth of frames at the configured FPS.
func (c *SLAMConfig) GetMaxFrames() int {
	if c.MaxFrames == nil {
		return int(c.GetFPS())
	}
	return *c.MaxFrames
}

// GetHighCovisibilityWeight returns the covisibility weight floor that
// qualifies an edge for the essential graph, or the default of 100.
func (c *SLAMConfig) GetHighCovisibilityWeight() int {
	if c.HighCovisibilityWeight == nil {
		return 100
	}
	return *c.HighCovisibilityWeight
}

// GetRecentPointProbationKeyframes returns the number of keyframes a
// newly created map point must survive before culling no longer applies
// the found/visible ratio test, or the default of 2.
func (c *SLAMConfig) GetRecentPointProbationKeyframes() int {
	if c.RecentPointProbationKeyframes == nil {
		return 2
	}
	return *c.RecentPointProbationKeyframes
}

// GetLocalKeyframeBudget returns the maximum number of keyframes pulled
// into the local map during track-local-map (§4.2.3), or the default of
// 80.
func (c *SLAMConfig) GetLocalKeyframeBudget() int {
	if c.LocalKeyframeBudget == nil {
		return 80
	}
	return *c.LocalKeyframeBudget
}
