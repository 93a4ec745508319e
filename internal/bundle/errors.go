package bundle

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds reported by the adjustment. Match them with errors.Is.
var (
	// ErrInsufficientCoverage means an image has fewer than two usable
	// measures.
	ErrInsufficientCoverage = errors.New("insufficient coverage")
	// ErrNotPositiveDefinite means the reduced normal matrix could not be
	// factored, usually because an image is under-determined.
	ErrNotPositiveDefinite = errors.New("normal matrix not positive definite")
	// ErrProjectionFailure means a measure could not be evaluated. It is
	// counted per iteration and never returned from Solve.
	ErrProjectionFailure = errors.New("projection failure")
	// ErrInsufficientStability means error propagation produced a
	// non-finite value. The solution itself remains valid.
	ErrInsufficientStability = errors.New("insufficient stability in error propagation")
	// ErrDegenerateNormalBlock means a point's 3×3 normal block is
	// singular. The point is rejected for the rest of the solve.
	ErrDegenerateNormalBlock = errors.New("degenerate point normal block")
	// ErrInvalidDegreesOfFreedom means the redundancy of the network does
	// not allow a variance estimate.
	ErrInvalidDegreesOfFreedom = errors.New("invalid degrees of freedom")
	// ErrCancelled means the solve was aborted.
	ErrCancelled = errors.New("bundle adjustment cancelled")
)

// SolveError carries the context of a failed solve: the error kind and,
// where known, the offending column, image, observation, point and
// parameter.
type SolveError struct {
	Kind          error
	Column        int
	ImageSerial   string
	ObservationID string
	PointID       string
	Parameter     string
	Err           error
}

func (e *SolveError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Column >= 0 {
		fmt.Fprintf(&b, " at column %d", e.Column)
	}
	if e.ObservationID != "" {
		fmt.Fprintf(&b, " (observation %s", e.ObservationID)
		if e.Parameter != "" {
			fmt.Fprintf(&b, ", parameter %s", e.Parameter)
		}
		b.WriteString(")")
	} else if e.Parameter != "" {
		fmt.Fprintf(&b, " (parameter %s)", e.Parameter)
	}
	if e.ImageSerial != "" {
		fmt.Fprintf(&b, " image %s", e.ImageSerial)
	}
	if e.PointID != "" {
		fmt.Fprintf(&b, " point %s", e.PointID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *SolveError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newSolveError(kind error) *SolveError {
	return &SolveError{Kind: kind, Column: -1}
}
