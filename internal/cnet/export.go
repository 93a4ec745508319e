package cnet

import (
	"fmt"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/camera"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// Export converts a network of framing cameras into input documents: the
// current camera orientation and the a-priori points. Exporting before a
// solve lets Build reproduce net up to the rounding of the degree
// conversion.
func Export(net *bundle.Network, networkID, targetName string) ([]ImageEntry, *ControlNetwork, *LidarData, error) {
	images := make([]ImageEntry, 0, len(net.Images))
	for _, img := range net.Images {
		cam, ok := img.Sensor.(*camera.Framing)
		if !ok {
			return nil, nil, nil, fmt.Errorf("image %s: cannot export %T", img.Serial, img.Sensor)
		}
		cfg := cam.Config()
		cm := CameraModel{
			FocalLength:  cfg.FocalLength,
			PixelPitch:   cfg.PixelPitch,
			CenterSample: cfg.CenterSample,
			CenterLine:   cfg.CenterLine,
			Time:         cfg.Time,
			BaseTime:     cfg.BaseTime,
			TimeScale:    cfg.TimeScale,
		}
		for k := 0; k < 3; k++ {
			cm.PositionKm[k] = append([]float64(nil), cfg.Orientation.Position[k]...)
			cm.PointingDeg[k] = make([]float64, len(cfg.Orientation.Pointing[k]))
			for i, v := range cfg.Orientation.Pointing[k] {
				cm.PointingDeg[k][i] = surface.Degrees(v)
			}
		}
		o := net.Observations[img.Observation]
		entry := ImageEntry{Serial: img.Serial, InstrumentID: o.InstrumentID, Camera: cm}
		if o.ID != img.Serial {
			entry.ObservationID = o.ID
		}
		images = append(images, entry)
	}

	byPoint := make([][]*bundle.Measure, len(net.Points))
	for _, m := range net.Measures {
		byPoint[m.Point] = append(byPoint[m.Point], m)
	}

	cn := &ControlNetwork{NetworkID: networkID, TargetName: targetName}
	var lidar *LidarData
	for pi, p := range net.Points {
		rec := PointRecord{
			ID:      p.ID,
			Type:    p.Type.String(),
			Apriori: *coordinatesOf(p.Apriori),
		}
		// Both forms round-trip through floating point; keep the
		// rectangular one exact.
		rec.Apriori.Latitude, rec.Apriori.Longitude, rec.Apriori.Radius = nil, nil, nil
		if p.AprioriSigmas != [3]float64{} {
			sigmas := p.AprioriSigmas
			rec.AprioriSigmas = &sigmas
		}
		for _, m := range byPoint[pi] {
			rec.Measures = append(rec.Measures, MeasureRecord{
				Serial:  net.Images[m.Image].Serial,
				Sample:  m.Sample,
				Line:    m.Line,
				Ignored: m.Ignored,
			})
		}
		if p.Lidar == nil {
			cn.Points = append(cn.Points, rec)
			continue
		}
		if lidar == nil {
			lidar = &LidarData{}
		}
		lr := LidarRecord{
			PointRecord: rec,
			RangeM:      p.Lidar.Range * 1000,
			SigmaRangeM: p.Lidar.Sigma * 1000,
			Time:        p.Lidar.Time,
		}
		for _, ii := range p.Lidar.Simultaneous {
			lr.Simultaneous = append(lr.Simultaneous, net.Images[ii].Serial)
		}
		lidar.Points = append(lidar.Points, lr)
	}
	return images, cn, lidar, nil
}
