/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sfu

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// bindUDPPair binds two consecutive loopback ports (RTP on the even slot,
// RTCP on the next) inside [portMin, portMax], probing until a free pair is
// found.
func bindUDPPair(portMin, portMax int) (*net.UDPConn, *net.UDPConn, int, error) {
	start := portMin
	if start%2 != 0 {
		start++
	}

	for port := start; port+1 <= portMax; port += 2 {
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}
		return rtpConn, rtcpConn, port, nil
	}

	return nil, nil, 0, fmt.Errorf("no free udp port pair in [%d,%d]", portMin, portMax)
}

// bindUDPInRange binds one loopback port inside [portMin, portMax].
func bindUDPInRange(portMin, portMax int) (*net.UDPConn, int, error) {
	for port := portMin; port <= portMax; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			continue
		}
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no free udp port in [%d,%d]", portMin, portMax)
}

// PlainTransportInfo describes an egress plain transport to its caller.
type PlainTransportInfo struct {
	TransportID string `json:"transportId"`
	LocalPort   int    `json:"localPort"`
	// The port pair the encoder process must listen on.
	RTPPort  int `json:"rtpPort"`
	RTCPPort int `json:"rtcpPort"`
}

// PlainConsumeResult carries what an encoder needs to receive the stream.
type PlainConsumeResult struct {
	ConsumerID  string `json:"consumerId"`
	ProducerID  string `json:"producerId"`
	PayloadType uint8  `json:"payloadType"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels"`
	RTPPort     int    `json:"rtpPort"`
	RTCPPort    int    `json:"rtcpPort"`
}

// PlainTransport is the consumer-side bridge between a producer's fanout and
// an external encoder process: producer RTP is re-serialized onto a loopback
// UDP pair the encoder listens on. RTCP is unmuxed on the next port.
type PlainTransport struct {
	id  string
	key string

	rtpConn   *net.UDPConn
	rtcpConn  *net.UDPConn
	localPort int

	externalRTPPort int
	remoteRTP       *net.UDPAddr
	remoteRTCP      *net.UDPAddr

	logger zerolog.Logger

	mu       sync.Mutex
	producer *Producer
	sinkID   string
	closed   bool
}

func newPlainTransport(id, key string, portMin, portMax, externalOffset int, logger zerolog.Logger) (*PlainTransport, error) {
	rtpConn, rtcpConn, port, err := bindUDPPair(portMin, portMax)
	if err != nil {
		return nil, err
	}

	external := port + externalOffset
	t := &PlainTransport{
		id:              id,
		key:             key,
		rtpConn:         rtpConn,
		rtcpConn:        rtcpConn,
		localPort:       port,
		externalRTPPort: external,
		remoteRTP:       &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: external},
		remoteRTCP:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: external + 1},
		logger:          logger,
	}

	// Encoders may send receiver reports back; drain and discard them.
	go t.drainRTCP()

	return t, nil
}

// ID returns the transport id.
func (t *PlainTransport) ID() string { return t.id }

// Info returns the port layout the encoder must be configured with.
func (t *PlainTransport) Info() PlainTransportInfo {
	return PlainTransportInfo{
		TransportID: t.id,
		LocalPort:   t.localPort,
		RTPPort:     t.externalRTPPort,
		RTCPPort:    t.externalRTPPort + 1,
	}
}

// consume attaches this transport to a producer's fanout.
func (t *PlainTransport) consume(producer *Producer) (*PlainConsumeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.producer != nil {
		return nil, fmt.Errorf("transport %s already consuming producer %s", t.id, t.producer.ID())
	}

	t.producer = producer
	t.sinkID = "plain:" + t.id
	producer.attachSink(&plainSink{id: t.sinkID, transport: t})

	cap := opusCodecCapability()
	return &PlainConsumeResult{
		ConsumerID:  t.sinkID,
		ProducerID:  producer.ID(),
		PayloadType: opusPayloadType,
		MimeType:    cap.MimeType,
		ClockRate:   cap.ClockRate,
		Channels:    cap.Channels,
		RTPPort:     t.externalRTPPort,
		RTCPPort:    t.externalRTPPort + 1,
	}, nil
}

func (t *PlainTransport) writeRTP(pkt *rtp.Packet) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	conn, remote := t.rtpConn, t.remoteRTP
	t.mu.Unlock()

	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(buf, remote)
	return err
}

func (t *PlainTransport) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.rtcpConn.ReadFromUDP(buf); err != nil {
			return
		}
	}
}

// Close detaches from the producer and releases the port pair. Idempotent.
func (t *PlainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producer, sinkID := t.producer, t.sinkID
	t.producer = nil
	t.mu.Unlock()

	if producer != nil {
		producer.detachSink(sinkID)
	}

	var errs []error
	if err := t.rtpConn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.rtcpConn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// plainSink adapts a PlainTransport to the rtpSink interface.
type plainSink struct {
	id        string
	transport *PlainTransport
}

func (s *plainSink) SinkID() string { return s.id }

func (s *plainSink) WriteRTP(pkt *rtp.Packet) error {
	return s.transport.writeRTP(pkt)
}

// IngestTransportInfo describes a producer-side plain transport.
type IngestTransportInfo struct {
	TransportID string `json:"transportId"`
	// The loopback port the ingest child must send RTP to.
	Port        int   `json:"port"`
	PayloadType uint8 `json:"payloadType"`
}

// sourceStaleAfter is how long the comedia source lock holds without packets
// before another sender may claim the transport.
const sourceStaleAfter = 300 * time.Millisecond

// IngestTransport is the producer-side bridge: a loopback UDP listener in the
// media port range. The first sender's address locks the transport (comedia);
// parsed packets with the negotiated payload type feed the ingest producer's
// fanout.
type IngestTransport struct {
	id       string
	sourceID string
	conn     *net.UDPConn
	port     int
	logger   zerolog.Logger

	mu           sync.Mutex
	producer     *Producer
	activeSource string
	lastSourceAt time.Time
	closed       bool

	done chan struct{}
}

func newIngestTransport(id, sourceID string, portMin, portMax int, logger zerolog.Logger) (*IngestTransport, error) {
	conn, port, err := bindUDPInRange(portMin, portMax)
	if err != nil {
		return nil, err
	}

	t := &IngestTransport{
		id:       id,
		sourceID: sourceID,
		conn:     conn,
		port:     port,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// ID returns the transport id.
func (t *IngestTransport) ID() string { return t.id }

// Info returns where the ingest child must send its RTP.
func (t *IngestTransport) Info() IngestTransportInfo {
	return IngestTransportInfo{
		TransportID: t.id,
		Port:        t.port,
		PayloadType: opusPayloadType,
	}
}

// setProducer attaches the producer the read loop feeds.
func (t *IngestTransport) setProducer(p *Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producer = p
}

// RemoteAddr reports the sender address locked by comedia, or "" before the
// first packet.
func (t *IngestTransport) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeSource
}

// readLoop receives RTP from the ingest child and forwards it to the
// producer. A single active source is kept; packets from another address are
// ignored until the lock goes stale.
func (t *IngestTransport) readLoop() {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debug().Err(err).Msg("invalid ingest RTP packet")
			continue
		}
		if pkt.PayloadType != opusPayloadType {
			continue
		}

		now := time.Now()
		source := ""
		if addr != nil {
			source = addr.String()
		}

		t.mu.Lock()
		if t.activeSource == "" {
			t.activeSource = source
			t.lastSourceAt = now
			t.logger.Info().Str("source", source).Str("source_id", t.sourceID).Msg("ingest RTP source locked")
		} else if source != "" && source != t.activeSource {
			if now.Sub(t.lastSourceAt) < sourceStaleAfter {
				t.mu.Unlock()
				continue
			}
			t.logger.Info().
				Str("old_source", t.activeSource).
				Str("new_source", source).
				Msg("ingest RTP source switched")
			t.activeSource = source
			t.lastSourceAt = now
		} else {
			t.lastSourceAt = now
		}
		producer := t.producer
		t.mu.Unlock()

		if producer != nil {
			producer.forward(pkt)
		}
	}
}

// Close stops the read loop and releases the port. Idempotent.
func (t *IngestTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producer := t.producer
	t.producer = nil
	t.mu.Unlock()

	close(t.done)
	if producer != nil {
		producer.Close()
	}
	return t.conn.Close()
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
