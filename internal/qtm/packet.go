package qtm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Packet types of the QTM RT protocol. Every packet on the wire is
// [size uint32][type uint32][payload], little-endian, where size includes
// the 8-byte header.
const (
	packetError   uint32 = 0
	packetCommand uint32 = 1
	packetXML     uint32 = 2
	packetData    uint32 = 3
	packetNoData  uint32 = 4
	packetC3D     uint32 = 5
	packetEvent   uint32 = 6
)

// Data component identifiers used by this bridge.
const (
	component3D      uint32 = 1
	component6DEuler uint32 = 6
)

const (
	packetHeaderSize = 8
	// maxPacketSize bounds a single RT packet; QTM parameter documents and
	// dense frames stay well under this.
	maxPacketSize = 16 << 20
)

type packet struct {
	Type    uint32
	Payload []byte
}

func readPacket(r io.Reader) (packet, error) {
	var hdr [packetHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return packet{}, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	typ := binary.LittleEndian.Uint32(hdr[4:8])
	if size < packetHeaderSize || size > maxPacketSize {
		return packet{}, fmt.Errorf("qtm: invalid packet size %d", size)
	}
	payload := make([]byte, size-packetHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return packet{}, err
	}
	return packet{Type: typ, Payload: payload}, nil
}

func writePacket(w io.Writer, typ uint32, payload []byte) error {
	buf := make([]byte, packetHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], typ)
	copy(buf[packetHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// asString interprets a command, error, or event-free payload as the
// NUL-terminated ASCII string QTM sends.
func (p packet) asString() string {
	return string(bytes.TrimRight(p.Payload, "\x00"))
}

// Frame is one decoded data packet: the 3D marker positions and 6DOF Euler
// poses for a single capture instant. Occluded markers arrive from QTM as
// NaN coordinates and are passed through untouched.
type Frame struct {
	// Number is the capture frame number; strictly increasing within one
	// measurement. A regression means QTM started a new measurement.
	Number uint32
	// Timestamp is the source-clock capture time in microseconds.
	Timestamp uint64
	// Markers holds one x/y/z triple per labelled 3D marker, in label order.
	Markers [][3]float32
	// Bodies holds one x/y/z/a1/a2/a3 tuple per rigid body, in body order.
	Bodies [][6]float32
}

// parseDataPacket decodes the components of a data packet this bridge
// subscribes to (3D and 6D Euler); other components are skipped.
func parseDataPacket(payload []byte) (Frame, error) {
	const dataHeader = 16 // timestamp uint64 + frame number uint32 + component count uint32
	if len(payload) < dataHeader {
		return Frame{}, fmt.Errorf("qtm: short data packet (%d bytes)", len(payload))
	}
	f := Frame{
		Timestamp: binary.LittleEndian.Uint64(payload[0:8]),
		Number:    binary.LittleEndian.Uint32(payload[8:12]),
	}
	count := binary.LittleEndian.Uint32(payload[12:16])
	rest := payload[dataHeader:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < packetHeaderSize {
			return Frame{}, fmt.Errorf("qtm: truncated component header")
		}
		size := binary.LittleEndian.Uint32(rest[0:4])
		typ := binary.LittleEndian.Uint32(rest[4:8])
		if size < packetHeaderSize || int(size) > len(rest) {
			return Frame{}, fmt.Errorf("qtm: invalid component size %d", size)
		}
		body := rest[packetHeaderSize:size]
		switch typ {
		case component3D:
			markers, err := parse3DComponent(body)
			if err != nil {
				return Frame{}, err
			}
			f.Markers = markers
		case component6DEuler:
			bodies, err := parse6DEulerComponent(body)
			if err != nil {
				return Frame{}, err
			}
			f.Bodies = bodies
		}
		rest = rest[size:]
	}
	return f, nil
}

// component body layout: count uint32, 2D drop rate uint16, 2D out-of-sync
// rate uint16, then the per-entity float32 tuples.
const componentPreamble = 8

func parse3DComponent(body []byte) ([][3]float32, error) {
	if len(body) < componentPreamble {
		return nil, fmt.Errorf("qtm: truncated 3D component")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	data := body[componentPreamble:]
	if len(data) < n*12 {
		return nil, fmt.Errorf("qtm: 3D component reports %d markers, has %d bytes", n, len(data))
	}
	markers := make([][3]float32, n)
	for i := 0; i < n; i++ {
		off := i * 12
		for j := 0; j < 3; j++ {
			markers[i][j] = float32FromBits(data[off+4*j:])
		}
	}
	return markers, nil
}

func parse6DEulerComponent(body []byte) ([][6]float32, error) {
	if len(body) < componentPreamble {
		return nil, fmt.Errorf("qtm: truncated 6D euler component")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	data := body[componentPreamble:]
	if len(data) < n*24 {
		return nil, fmt.Errorf("qtm: 6D euler component reports %d bodies, has %d bytes", n, len(data))
	}
	bodies := make([][6]float32, n)
	for i := 0; i < n; i++ {
		off := i * 24
		for j := 0; j < 6; j++ {
			bodies[i][j] = float32FromBits(data[off+4*j:])
		}
	}
	return bodies, nil
}

func float32FromBits(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// buildDataPacket assembles a data packet payload from a Frame. The session
// itself never sends data packets; this exists for tests exercising the
// reader against a scripted QTM endpoint.
func buildDataPacket(f Frame) []byte {
	var comps [][]byte
	if f.Markers != nil {
		body := make([]byte, componentPreamble+12*len(f.Markers))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(f.Markers)))
		for i, m := range f.Markers {
			off := componentPreamble + i*12
			for j := 0; j < 3; j++ {
				binary.LittleEndian.PutUint32(body[off+4*j:], math.Float32bits(m[j]))
			}
		}
		comps = append(comps, wrapComponent(component3D, body))
	}
	if f.Bodies != nil {
		body := make([]byte, componentPreamble+24*len(f.Bodies))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(f.Bodies)))
		for i, b := range f.Bodies {
			off := componentPreamble + i*24
			for j := 0; j < 6; j++ {
				binary.LittleEndian.PutUint32(body[off+4*j:], math.Float32bits(b[j]))
			}
		}
		comps = append(comps, wrapComponent(component6DEuler, body))
	}
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], f.Timestamp)
	binary.LittleEndian.PutUint32(payload[8:12], f.Number)
	binary.LittleEndian.PutUint32(payload[12:16], uint32(len(comps)))
	for _, c := range comps {
		payload = append(payload, c...)
	}
	return payload
}

func wrapComponent(typ uint32, body []byte) []byte {
	buf := make([]byte, packetHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], typ)
	copy(buf[packetHeaderSize:], body)
	return buf
}
