package bundle

// Listener receives progress notifications from a running adjustment. The
// calls are synchronous and must not block.
type Listener interface {
	StatusUpdate(status string)
	IterationUpdate(iteration int)
	PointUpdate(point int)
	StatusBarUpdate(status string)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) StatusUpdate(string)    {}
func (NopListener) IterationUpdate(int)    {}
func (NopListener) PointUpdate(int)        {}
func (NopListener) StatusBarUpdate(string) {}

// LogListener forwards status and iteration notifications to the diag
// stream and point notifications to the trace stream.
type LogListener struct{}

func (LogListener) StatusUpdate(status string)    { diagf("%s", status) }
func (LogListener) IterationUpdate(iteration int) { diagf("starting iteration %d", iteration) }
func (LogListener) PointUpdate(point int)         { tracef("point %d reduced", point) }
func (LogListener) StatusBarUpdate(status string) { diagf("status: %s", status) }
