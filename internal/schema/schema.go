// Package schema derives the flat channel layout for a QTM component
// configuration and decodes data frames into fixed-arity samples.
package schema

import (
	"errors"
	"fmt"

	"github.com/qualisys/qualisys-lsl-app/internal/qtm"
)

// ErrEmptySchema reports a component configuration with nothing to stream.
var ErrEmptySchema = errors.New("schema: no 3D or 6DOF channels enabled")

// ChannelKind classifies what a channel carries.
type ChannelKind string

const (
	KindPosition    ChannelKind = "Position"
	KindOrientation ChannelKind = "Orientation"
)

// Channel is one named numeric channel of the outlet stream.
type Channel struct {
	// Label is the human-readable channel name, e.g. "head_X" or "wand_Roll".
	Label string
	// Unit is "millimeters" for positions, "degrees" for orientations.
	Unit string
	// Kind distinguishes position from orientation channels.
	Kind ChannelKind
	// Entity is the marker label or rigid body name the channel belongs to.
	Entity string
}

// Schema is the fixed channel layout derived from one ComponentConfig. It is
// immutable and valid for exactly one outlet lifetime: when the upstream
// configuration changes, resolve again and recreate the outlet.
type Schema struct {
	Channels []Channel
	// Rate is the nominal sampling rate in Hz.
	Rate float64

	markers int
	bodies  int
}

// MarkerCount returns the number of markers the schema was resolved for.
func (s Schema) MarkerCount() int { return s.markers }

// BodyCount returns the number of rigid bodies the schema was resolved for.
func (s Schema) BodyCount() int { return s.bodies }

// Matches reports whether a frame has the component shape this schema
// assumes.
func (s Schema) Matches(f qtm.Frame) bool {
	return len(f.Markers) == s.markers && len(f.Bodies) == s.bodies
}

// Resolve derives the channel layout for cfg. Ordering is deterministic:
// markers first, each contributing X/Y/Z position channels in upstream label
// order, then rigid bodies, each contributing X/Y/Z positions followed by the
// three Euler orientation channels named by the session's convention.
func Resolve(cfg qtm.ComponentConfig) (Schema, error) {
	if cfg.MarkerCount() == 0 && cfg.BodyCount() == 0 {
		return Schema{}, ErrEmptySchema
	}
	s := Schema{
		Rate:     cfg.Frequency,
		Channels: make([]Channel, 0, 3*cfg.MarkerCount()+6*cfg.BodyCount()),
		markers:  cfg.MarkerCount(),
		bodies:   cfg.BodyCount(),
	}
	for _, m := range cfg.Markers {
		for _, axis := range []string{"X", "Y", "Z"} {
			s.Channels = append(s.Channels, Channel{
				Label:  fmt.Sprintf("%s_%s", m, axis),
				Unit:   "millimeters",
				Kind:   KindPosition,
				Entity: m,
			})
		}
	}
	angles := []string{cfg.Euler.First, cfg.Euler.Second, cfg.Euler.Third}
	for _, b := range cfg.Bodies {
		for _, axis := range []string{"X", "Y", "Z"} {
			s.Channels = append(s.Channels, Channel{
				Label:  fmt.Sprintf("%s_%s", b, axis),
				Unit:   "millimeters",
				Kind:   KindPosition,
				Entity: b,
			})
		}
		for _, angle := range angles {
			s.Channels = append(s.Channels, Channel{
				Label:  fmt.Sprintf("%s_%s", b, angle),
				Unit:   "degrees",
				Kind:   KindOrientation,
				Entity: b,
			})
		}
	}
	return s, nil
}
