package schema

import (
	"errors"
	"fmt"

	"github.com/qualisys/qualisys-lsl-app/internal/qtm"
)

// ErrShapeMismatch reports a frame whose component shape no longer matches
// the schema it is decoded against. It signals that the schema must be
// re-resolved and the outlet recreated; the upstream session is still valid.
var ErrShapeMismatch = errors.New("schema: frame shape does not match schema")

// Sample is one decoded, fixed-arity vector ready for the outlet.
type Sample struct {
	// Values has exactly one entry per schema channel. Occluded or
	// untracked entities are represented by NaN, never by a shorter
	// vector; downstream consumers rely on fixed arity per timestamp.
	Values []float32
	// Timestamp is the capture time mapped into the sink clock domain,
	// in seconds.
	Timestamp float64
}

// Decode flattens a frame into a sample ordered per the schema. The
// timestamp is left zero; the caller owns the clock mapping.
//
// Occlusion convention: QTM reports occluded markers as NaN coordinates and
// those values pass through as the sentinel. No validity channels are added.
func Decode(f qtm.Frame, s Schema) (Sample, error) {
	if !s.Matches(f) {
		return Sample{}, fmt.Errorf("%w: frame has %d markers/%d bodies, schema expects %d/%d",
			ErrShapeMismatch, len(f.Markers), len(f.Bodies), s.markers, s.bodies)
	}
	values := make([]float32, 0, len(s.Channels))
	for _, m := range f.Markers {
		values = append(values, m[0], m[1], m[2])
	}
	for _, b := range f.Bodies {
		values = append(values, b[0], b[1], b[2], b[3], b[4], b[5])
	}
	return Sample{Values: values}, nil
}
