package bundle

// computeResiduals evaluates every measure and range constraint at the
// current state and returns vᵀPv. Rejected measures and points still get
// residuals so that outlier rejection can re-admit them, but only active
// ones contribute to vᵀPv.
func (a *Adjuster) computeResiduals() float64 {
	net := a.net
	vtpv := 0.0

	for _, m := range net.Measures {
		if m.Ignored {
			continue
		}
		p := net.Points[m.Point]
		img := net.Images[m.Image]
		m.Projected = false
		if err := img.Sensor.SetImage(m.Sample, m.Line); err != nil {
			continue
		}
		ox, oy := img.Sensor.FocalPlane(m.Sample, m.Line)
		cx, cy, err := img.Sensor.ProjectGround(p.Adjusted)
		if err != nil {
			tracef("residual point %s image %s: %v", p.ID, img.Serial, err)
			continue
		}
		pitch := img.Sensor.PixelPitch()
		m.Projected = true
		m.XResidual, m.YResidual = ox-cx, oy-cy
		m.SampleResidual, m.LineResidual = m.XResidual/pitch, m.YResidual/pitch
		if m.Rejected || p.Rejected {
			continue
		}
		w := m.mlSqrtWeight / (a.settings.MeasureSigma * pitch)
		vtpv += w * w * (m.XResidual*m.XResidual + m.YResidual*m.YResidual)
		a.residuals.Add(m.ResidualMagnitude())
	}

	for _, p := range net.Points {
		if p.Lidar != nil {
			for i := range p.Lidar.Constraints {
				c := &p.Lidar.Constraints[i]
				row, err := a.rangeConstraint(net.Images[c.Image], p)
				if err != nil {
					c.Valid = false
					continue
				}
				c.Valid = true
				c.Computed = row.computed
				c.Residual = p.Lidar.Range - row.computed
				if !p.Rejected {
					r := c.Residual / p.Lidar.Sigma
					vtpv += r * r
				}
			}
		}
		if !p.Rejected {
			vtpv += pointVtpv(p)
		}
	}

	for _, o := range net.Observations {
		if o.block >= 0 {
			vtpv += parameterVtpv(o.weights, o.Corrections)
		}
	}
	if a.settings.SolveTarget() {
		vtpv += parameterVtpv(net.Target.weights, net.Target.Corrections)
	}
	return vtpv
}
