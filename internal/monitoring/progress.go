package monitoring

// Progress reports solve progress through Logf. It satisfies the solver's
// listener interface. Point notifications are condensed to one line per
// quarter of Points.
type Progress struct {
	// Points is the number of points in the network; zero disables point
	// progress.
	Points int

	iteration int
	lastPoint int
	quarter   int
}

// StatusUpdate logs a status message.
func (p *Progress) StatusUpdate(status string) {
	Logf("%s", status)
}

// IterationUpdate records the start of an iteration.
func (p *Progress) IterationUpdate(iteration int) {
	p.iteration = iteration
	p.lastPoint = -1
	p.quarter = 0
}

// PointUpdate logs when another quarter of the points has been processed.
// A point index lower than the previous one starts a new pass.
func (p *Progress) PointUpdate(point int) {
	if p.Points <= 0 {
		return
	}
	if point <= p.lastPoint {
		p.quarter = 0
	}
	p.lastPoint = point
	q := 4 * (point + 1) / p.Points
	if q > p.quarter {
		p.quarter = q
		Logf("iteration %d: %d%% of points processed", p.iteration, 25*q)
	}
}

// StatusBarUpdate logs a short state label.
func (p *Progress) StatusBarUpdate(status string) {
	Logf("[%s]", status)
}
