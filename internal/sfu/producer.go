/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sfu

import (
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// rtpSink receives a producer's RTP packets. Consumers and plain-RTP
// forwarders both implement it.
type rtpSink interface {
	SinkID() string
	WriteRTP(pkt *rtp.Packet) error
}

// ProducerAppData is the client-supplied metadata attached at producer:create.
type ProducerAppData struct {
	BusType     string `json:"busType,omitempty"`
	IsBusOutput bool   `json:"isBusOutput,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ProducerInfo is the wire-facing description of a live producer, handed to
// joiners so they can consume what is already in the room.
type ProducerInfo struct {
	ProducerID    string `json:"producerId"`
	ParticipantID string `json:"participantId"`
	Kind          string `json:"kind"`
	BusType       string `json:"busType,omitempty"`
	IsBusOutput   bool   `json:"isBusOutput,omitempty"`
}

// Producer is one audio stream entering the SFU: a participant's microphone,
// a bus mix produced by the host's browser, or an ingest source. It fans its
// RTP out to every attached sink.
type Producer struct {
	id            string
	participantID string
	kind          string
	busType       string
	isBusOutput   bool

	remote *webrtc.TrackRemote // nil for plain-RTP (ingest) producers
	logger zerolog.Logger

	mu     sync.RWMutex
	sinks  map[string]rtpSink
	paused bool
	closed bool

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Producer)
}

func newProducer(id, participantID string, appData ProducerAppData, remote *webrtc.TrackRemote, logger zerolog.Logger) *Producer {
	p := &Producer{
		id:            id,
		participantID: participantID,
		kind:          "audio",
		busType:       appData.BusType,
		isBusOutput:   appData.IsBusOutput,
		remote:        remote,
		logger:        logger,
		sinks:         make(map[string]rtpSink),
		done:          make(chan struct{}),
	}
	telemetry.ProducersActive.WithLabelValues(p.metricKind()).Inc()
	return p
}

// metricKind buckets a producer for the producer gauge.
func (p *Producer) metricKind() string {
	switch {
	case p.remote == nil:
		return "plain"
	case p.isBusOutput:
		return "bus"
	default:
		return "media"
	}
}

// ID returns the producer id.
func (p *Producer) ID() string { return p.id }

// ParticipantID returns the owning participant (or "source:<id>" for ingest).
func (p *Producer) ParticipantID() string { return p.participantID }

// BusType returns the bus tag this producer was created with.
func (p *Producer) BusType() string { return p.busType }

// IsBusOutput reports whether this producer is a host bus mix.
func (p *Producer) IsBusOutput() bool { return p.isBusOutput }

// Info returns the wire description of this producer.
func (p *Producer) Info() ProducerInfo {
	return ProducerInfo{
		ProducerID:    p.id,
		ParticipantID: p.participantID,
		Kind:          p.kind,
		BusType:       p.busType,
		IsBusOutput:   p.isBusOutput,
	}
}

// IsClosed reports whether the producer has been closed.
func (p *Producer) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// IsPaused reports whether the producer is paused.
func (p *Producer) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// matchesBus reports whether this producer serves the named bus: tag matches
// case-insensitively, is a bus output, and is neither closed nor paused.
func (p *Producer) matchesBus(busType string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isBusOutput &&
		!p.closed && !p.paused &&
		strings.EqualFold(p.busType, busType)
}

// attachSink registers a sink for fanout.
func (p *Producer) attachSink(s rtpSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.sinks[s.SinkID()] = s
}

// detachSink removes a sink.
func (p *Producer) detachSink(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// forward fans one packet out to every attached sink. Write errors are
// per-sink; one slow or dead sink never blocks the others.
func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	if p.closed || p.paused {
		p.mu.RUnlock()
		return
	}
	sinks := make([]rtpSink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.RUnlock()

	for _, s := range sinks {
		if err := s.WriteRTP(pkt); err != nil {
			p.logger.Debug().Err(err).Str("sink", s.SinkID()).Msg("sink write error")
		}
	}
}

// startPump begins reading RTP from the remote track. Only producers backed
// by a WebRTC track run a pump; ingest producers are fed by their transport's
// read loop instead.
func (p *Producer) startPump() {
	if p.remote == nil {
		return
	}

	go func() {
		for {
			select {
			case <-p.done:
				return
			default:
			}

			pkt, _, err := p.remote.ReadRTP()
			if err != nil {
				// Track ended; the transport-close path owns cleanup.
				p.logger.Debug().Err(err).Str("producer_id", p.id).Msg("producer track ended")
				return
			}
			p.forward(pkt)
		}
	}()
}

// Close stops the fanout and detaches every sink. Idempotent.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.sinks = make(map[string]rtpSink)
		p.mu.Unlock()
		close(p.done)
		telemetry.ProducersActive.WithLabelValues(p.metricKind()).Dec()

		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

// Consumer is a paused-by-default subscription of one participant to one
// producer, delivered over the participant's recv transport. The gate stays
// closed until the client resumes it.
type Consumer struct {
	id            string
	participantID string
	producerID    string

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	mu     sync.RWMutex
	paused bool
	closed bool
}

func newConsumer(id, participantID, producerID string, track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *Consumer {
	telemetry.ConsumersActive.Inc()
	return &Consumer{
		id:            id,
		participantID: participantID,
		producerID:    producerID,
		track:         track,
		sender:        sender,
		paused:        true,
	}
}

// SinkID implements rtpSink.
func (c *Consumer) SinkID() string { return c.id }

// WriteRTP implements rtpSink. Packets are dropped while the consumer is
// paused or closed.
func (c *Consumer) WriteRTP(pkt *rtp.Packet) error {
	c.mu.RLock()
	gated := c.paused || c.closed
	c.mu.RUnlock()
	if gated {
		return nil
	}
	return c.track.WriteRTP(pkt)
}

// ID returns the consumer id.
func (c *Consumer) ID() string { return c.id }

// ProducerID returns the consumed producer's id.
func (c *Consumer) ProducerID() string { return c.producerID }

// Resume opens the gate.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Pause closes the gate.
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// IsPaused reports the gate state.
func (c *Consumer) IsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// close marks the consumer closed; the owning transport removes the sender.
func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	telemetry.ConsumersActive.Dec()
}
