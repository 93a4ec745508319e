// Package cnet reads control networks, image lists and lidar data from JSON
// and writes the products of an adjustment.
package cnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/jigsaw/internal/fsutil"
)

// maxInputSize bounds every JSON input.
const maxInputSize = 256 * 1024 * 1024

// CameraModel is the framing camera of one image. Position coefficients
// are J2000 km per axis; pointing coefficients are degrees per angle (RA,
// DEC, TWIST), both in scaled time.
type CameraModel struct {
	FocalLength  float64      `json:"focal_length_mm"`
	PixelPitch   float64      `json:"pixel_pitch_mm"`
	CenterSample float64      `json:"center_sample"`
	CenterLine   float64      `json:"center_line"`
	Time         float64      `json:"time"`
	BaseTime     float64      `json:"base_time,omitempty"`
	TimeScale    float64      `json:"time_scale,omitempty"`
	PositionKm   [3][]float64 `json:"position_km"`
	PointingDeg  [3][]float64 `json:"pointing_deg"`
}

// ImageEntry is one image of the image list.
type ImageEntry struct {
	Serial        string      `json:"serial"`
	ObservationID string      `json:"observation_id,omitempty"`
	InstrumentID  string      `json:"instrument_id,omitempty"`
	Camera        CameraModel `json:"camera"`
}

// Coordinates is a body-fixed position given either latitudinally
// (degrees, km) or rectangularly (km).
type Coordinates struct {
	Latitude  *float64 `json:"latitude_deg,omitempty"`
	Longitude *float64 `json:"longitude_deg,omitempty"`
	Radius    *float64 `json:"radius_km,omitempty"`
	X         *float64 `json:"x_km,omitempty"`
	Y         *float64 `json:"y_km,omitempty"`
	Z         *float64 `json:"z_km,omitempty"`
}

// MeasureRecord is a measure of a point in one image.
type MeasureRecord struct {
	Serial         string  `json:"serial"`
	Sample         float64 `json:"sample"`
	Line           float64 `json:"line"`
	Ignored        bool    `json:"ignored,omitempty"`
	JigsawRejected bool    `json:"jigsaw_rejected,omitempty"`

	// Written by the adjustment.
	SampleResidual *float64 `json:"sample_residual,omitempty"`
	LineResidual   *float64 `json:"line_residual,omitempty"`
}

// PointRecord is one control point.
type PointRecord struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Ignored       bool         `json:"ignored,omitempty"`
	Apriori       Coordinates  `json:"apriori"`
	AprioriSigmas *[3]float64  `json:"apriori_sigmas_m,omitempty"`
	// AprioriCovariance is the upper triangle (xx, xy, xz, yy, yz, zz) in
	// m² of CovarianceCoordinateType.
	AprioriCovariance        []float64       `json:"apriori_covariance_m2,omitempty"`
	CovarianceCoordinateType string          `json:"covariance_coordinate_type,omitempty"`
	Measures                 []MeasureRecord `json:"measures"`

	// Written by the adjustment.
	Adjusted       *Coordinates `json:"adjusted,omitempty"`
	AdjustedSigmas *[3]float64  `json:"adjusted_sigmas_m,omitempty"`
	// AdjustedCovariance is the upper triangle in the bundle coordinate
	// system (km² or rad²).
	AdjustedCovariance     []float64 `json:"adjusted_covariance,omitempty"`
	AdjustedCovarianceType string    `json:"adjusted_covariance_coordinate_type,omitempty"`
	JigsawRejected         bool      `json:"jigsaw_rejected,omitempty"`
}

// ControlNetwork is the control network document.
type ControlNetwork struct {
	NetworkID   string        `json:"network_id"`
	TargetName  string        `json:"target_name"`
	Description string        `json:"description,omitempty"`
	Version     string        `json:"version,omitempty"`
	Points      []PointRecord `json:"points"`
}

// LidarRecord is a lidar point: a control point with an observed range
// taken simultaneously with some of its images.
type LidarRecord struct {
	PointRecord
	RangeM       float64  `json:"range_m"`
	SigmaRangeM  float64  `json:"sigma_range_m"`
	Time         float64  `json:"time"`
	Simultaneous []string `json:"simultaneous"`
}

// LidarData is the lidar document.
type LidarData struct {
	Points []LidarRecord `json:"points"`
}

func readJSON(fsys fsutil.FileSystem, path string, v any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("%s: must have .json extension, got %q", path, ext)
	}
	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > maxInputSize {
		return fmt.Errorf("%s too large: %d bytes (max %d)", path, info.Size(), maxInputSize)
	}
	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// ReadImageList reads the image list.
func ReadImageList(fsys fsutil.FileSystem, path string) ([]ImageEntry, error) {
	var images []ImageEntry
	if err := readJSON(fsys, path, &images); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%s: no images", path)
	}
	seen := map[string]bool{}
	for i, img := range images {
		if img.Serial == "" {
			return nil, fmt.Errorf("%s: image %d has no serial", path, i)
		}
		if seen[img.Serial] {
			return nil, fmt.Errorf("%s: duplicate image %s", path, img.Serial)
		}
		seen[img.Serial] = true
	}
	return images, nil
}

// ReadControlNetwork reads a control network document.
func ReadControlNetwork(fsys fsutil.FileSystem, path string) (*ControlNetwork, error) {
	var cn ControlNetwork
	if err := readJSON(fsys, path, &cn); err != nil {
		return nil, err
	}
	if len(cn.Points) == 0 {
		return nil, fmt.Errorf("%s: no points", path)
	}
	return &cn, nil
}

// ReadLidar reads a lidar document.
func ReadLidar(fsys fsutil.FileSystem, path string) (*LidarData, error) {
	var ld LidarData
	if err := readJSON(fsys, path, &ld); err != nil {
		return nil, err
	}
	for _, p := range ld.Points {
		if len(p.Simultaneous) == 0 {
			return nil, fmt.Errorf("%s: lidar point %s has no simultaneous images", path, p.ID)
		}
	}
	return &ld, nil
}

var errNoCoordinates = errors.New("coordinates need latitude_deg/longitude_deg/radius_km or x_km/y_km/z_km")
