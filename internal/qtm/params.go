package qtm

import (
	"encoding/xml"
	"fmt"
)

// ComponentConfig is a read-only snapshot of the data components QTM reports
// as enabled, taken at parameter-query time. It is invalidated and re-queried
// whenever the measurement shape changes.
type ComponentConfig struct {
	// Frequency is the capture rate in Hz.
	Frequency float64
	// Markers holds the labelled 3D marker names in upstream order.
	Markers []string
	// Bodies holds the 6DOF rigid body names in upstream order.
	Bodies []string
	// Euler names the three rotation angles in the order QTM streams them.
	Euler EulerConvention
}

// EulerConvention names the three rotation channels of a 6DOF body, e.g.
// Roll/Pitch/Yaw, as configured in the QTM project.
type EulerConvention struct {
	First  string
	Second string
	Third  string
}

// MarkerCount returns the number of labelled 3D markers.
func (c ComponentConfig) MarkerCount() int { return len(c.Markers) }

// BodyCount returns the number of 6DOF rigid bodies.
func (c ComponentConfig) BodyCount() int { return len(c.Bodies) }

// parameterDoc maps the parts of the QTM parameter XML this bridge consumes.
// The root element name carries the protocol version and is not matched.
type parameterDoc struct {
	General *struct {
		Frequency float64 `xml:"Frequency"`
	} `xml:"General"`
	The3D *struct {
		Labels []struct {
			Name string `xml:"Name"`
		} `xml:"Label"`
	} `xml:"The_3D"`
	The6D *struct {
		Bodies []struct {
			Name string `xml:"Name"`
		} `xml:"Body"`
		Euler *struct {
			First  string `xml:"First"`
			Second string `xml:"Second"`
			Third  string `xml:"Third"`
		} `xml:"Euler"`
	} `xml:"The_6D"`
}

// ParseParameters decodes a GetParameters XML reply into a ComponentConfig.
func ParseParameters(doc []byte) (ComponentConfig, error) {
	var p parameterDoc
	if err := xml.Unmarshal(doc, &p); err != nil {
		return ComponentConfig{}, &ProtocolError{Op: "parameters", Detail: fmt.Sprintf("malformed XML: %v", err)}
	}
	var cfg ComponentConfig
	if p.General != nil {
		cfg.Frequency = p.General.Frequency
	}
	if p.The3D != nil {
		for _, l := range p.The3D.Labels {
			cfg.Markers = append(cfg.Markers, l.Name)
		}
	}
	if p.The6D != nil {
		for _, b := range p.The6D.Bodies {
			cfg.Bodies = append(cfg.Bodies, b.Name)
		}
		if p.The6D.Euler != nil {
			cfg.Euler = EulerConvention{
				First:  p.The6D.Euler.First,
				Second: p.The6D.Euler.Second,
				Third:  p.The6D.Euler.Third,
			}
		}
	}
	if cfg.Euler == (EulerConvention{}) {
		// Older QTM projects omit the Euler block; the stream order is
		// still roll, pitch, yaw.
		cfg.Euler = EulerConvention{First: "Roll", Second: "Pitch", Third: "Yaw"}
	}
	return cfg, nil
}
