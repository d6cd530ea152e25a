// Package lsl manages the downstream outlet: stream metadata, the bounded
// sample buffer, and the consumer feed. An outlet exists only while the
// upstream source is streaming and its channel layout is fixed for its whole
// lifetime.
package lsl

import (
	"encoding/xml"

	"github.com/google/uuid"

	"github.com/qualisys/qualisys-lsl-app/internal/schema"
)

// StreamInfo declares an outlet stream: name, content type, channel layout
// and nominal rate, rendered as the streaming-layer XML description document
// consumers receive when they attach.
type StreamInfo struct {
	XMLName       xml.Name   `xml:"info"`
	Name          string     `xml:"name"`
	Type          string     `xml:"type"`
	ChannelCount  int        `xml:"channel_count"`
	NominalRate   float64    `xml:"nominal_srate"`
	ChannelFormat string     `xml:"channel_format"`
	SourceID      string     `xml:"source_id"`
	UID           string     `xml:"uid"`
	Desc          streamDesc `xml:"desc"`
}

type streamDesc struct {
	Acquisition acquisitionDesc `xml:"acquisition"`
	Channels    []channelDesc   `xml:"channels>channel"`
}

type acquisitionDesc struct {
	Model string `xml:"model"`
}

type channelDesc struct {
	Label string `xml:"label"`
	Unit  string `xml:"unit"`
	Type  string `xml:"type"`
}

// NewStreamInfo builds the stream declaration for a resolved schema.
// SourceID ties the stream to the upstream endpoint so consumers can resume
// across outlet recreations.
func NewStreamInfo(s schema.Schema, sourceID string) StreamInfo {
	info := StreamInfo{
		Name:          "Qualisys",
		Type:          "Mocap",
		ChannelCount:  len(s.Channels),
		NominalRate:   s.Rate,
		ChannelFormat: "float32",
		SourceID:      sourceID,
		UID:           uuid.NewString(),
		Desc: streamDesc{
			Acquisition: acquisitionDesc{Model: "Qualisys"},
		},
	}
	for _, ch := range s.Channels {
		info.Desc.Channels = append(info.Desc.Channels, channelDesc{
			Label: ch.Label,
			Unit:  ch.Unit,
			Type:  string(ch.Kind),
		})
	}
	return info
}

// XML renders the info document.
func (i StreamInfo) XML() ([]byte, error) {
	return xml.MarshalIndent(i, "", "  ")
}
