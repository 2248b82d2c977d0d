/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sfu owns the process's WebRTC state. A pool of isolated workers
// hosts rooms; each room tracks its participants with their producers and
// consumers plus the plain-RTP transports bridging to external processes.
// Everything else in the system talks to media through the Orchestrator.
package sfu

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomClosed          = errors.New("room is closed")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already registered")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrTransportExists     = errors.New("transport already exists")
	ErrTransportClosed     = errors.New("transport is closed")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrNoPendingTrack      = errors.New("no negotiated track pending on send transport")
)

// maxDefaultWorkers caps the worker pool when sized from the CPU count.
const maxDefaultWorkers = 8

// Config carries the orchestrator's tunables.
type Config struct {
	// Workers is the pool size. Zero means one per CPU, capped.
	Workers int
	// RTPPortMin and RTPPortMax bound the UDP range shared by the workers
	// and the plain-RTP transports.
	RTPPortMin int
	RTPPortMax int
	// EgressPortOffset separates the encoder-facing port from the port a
	// plain transport binds locally.
	EgressPortOffset int
	// ICEServers is handed to every peer connection.
	ICEServers []webrtc.ICEServer
}

// ConsumeResult is the reply payload for a WebRTC consume: the new consumer,
// its codec, and the renegotiation offer the client must answer.
type ConsumeResult struct {
	ConsumerID  string `json:"consumerId"`
	ProducerID  string `json:"producerId"`
	Kind        string `json:"kind"`
	PayloadType uint8  `json:"payloadType"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels"`
	OfferSDP    string `json:"offer"`
}

// Stats summarizes the orchestrator for health reporting.
type Stats struct {
	Workers      int `json:"workers"`
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

// Orchestrator owns the worker pool and all per-room media state.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	workers    []*Worker
	nextWorker int
	rooms      map[string]*Room

	onTransportClosed func(roomID, participantID string)
}

// NewOrchestrator builds the worker pool and an empty room table.
func NewOrchestrator(cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	count := cfg.Workers
	if count <= 0 {
		count = runtime.NumCPU()
		if count > maxDefaultWorkers {
			count = maxDefaultWorkers
		}
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "sfu").Logger(),
		workers: make([]*Worker, count),
		rooms:   make(map[string]*Room),
	}
	for i := 0; i < count; i++ {
		w, err := newWorker(i, count, cfg.RTPPortMin, cfg.RTPPortMax)
		if err != nil {
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		o.workers[i] = w
	}

	o.logger.Info().
		Int("workers", count).
		Int("rtp_port_min", cfg.RTPPortMin).
		Int("rtp_port_max", cfg.RTPPortMax).
		Msg("SFU orchestrator initialized")
	return o, nil
}

// SetTransportClosedHandler registers the callback invoked when a
// participant's transport closes underneath them (DTLS failure or ICE
// disconnect). The handler must not call back into the orchestrator
// synchronously for the same participant.
func (o *Orchestrator) SetTransportClosedHandler(fn func(roomID, participantID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTransportClosed = fn
}

func (o *Orchestrator) transportClosedHandler() func(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onTransportClosed
}

// WorkerCount returns the size of the worker pool.
func (o *Orchestrator) WorkerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// GetOrCreateRoom returns the room's media state, creating it on the next
// worker in round-robin order if it does not exist yet.
func (o *Orchestrator) GetOrCreateRoom(roomID string) *Room {
	o.mu.Lock()
	defer o.mu.Unlock()

	if room, ok := o.rooms[roomID]; ok {
		return room
	}

	idx := o.nextWorker
	o.nextWorker = (o.nextWorker + 1) % len(o.workers)
	room := newRoom(roomID, idx, o.logger)
	o.rooms[roomID] = room

	telemetry.RoomsActive.Inc()
	telemetry.WorkerRooms.WithLabelValues(strconv.Itoa(idx)).Inc()
	o.logger.Info().Str("room_id", roomID).Int("worker", idx).Msg("media room created")
	return room
}

// GetRoom returns the room's media state or ErrRoomNotFound.
func (o *Orchestrator) GetRoom(roomID string) (*Room, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, ok := o.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// CloseRoom tears down every participant and transport in the room. Cleanup
// errors are collected, never aborting the sequence.
func (o *Orchestrator) CloseRoom(roomID string) error {
	o.mu.Lock()
	room, ok := o.rooms[roomID]
	if ok {
		delete(o.rooms, roomID)
	}
	o.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	participants := room.ParticipantCount()
	errs := room.close()

	telemetry.RoomsActive.Dec()
	telemetry.WorkerRooms.WithLabelValues(strconv.Itoa(room.workerIndex)).Dec()
	telemetry.ParticipantsConnected.Sub(float64(participants))

	o.logger.Info().Str("room_id", roomID).Int("cleanup_errors", len(errs)).Msg("media room closed")
	return errors.Join(errs...)
}

// AddParticipant allocates the in-memory participant slot.
func (o *Orchestrator) AddParticipant(roomID, participantID, displayName string) (*Participant, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	p := newParticipant(participantID, displayName, room.logger)
	if err := room.addParticipant(p); err != nil {
		return nil, err
	}
	telemetry.ParticipantsConnected.Inc()
	return p, nil
}

// CloseParticipant removes the participant and closes all their media state.
func (o *Orchestrator) CloseParticipant(roomID, participantID string) error {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return err
	}
	p, ok := room.removeParticipant(participantID)
	if !ok {
		return ErrParticipantNotFound
	}
	telemetry.ParticipantsConnected.Dec()
	return p.Close()
}

// newPeerConnection creates a peer connection on the room's worker. A worker
// whose API can no longer create connections is rebuilt in place at the same
// index and the creation retried once.
func (o *Orchestrator) newPeerConnection(room *Room) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: o.cfg.ICEServers}

	o.mu.Lock()
	worker := o.workers[room.workerIndex]
	workerCount := len(o.workers)
	o.mu.Unlock()

	pc, err := worker.newPeerConnection(cfg)
	if err == nil {
		return pc, nil
	}
	o.logger.Warn().Err(err).Int("worker", room.workerIndex).Msg("worker failed to create peer connection, rebuilding")

	rebuilt, rerr := newWorker(room.workerIndex, workerCount, o.cfg.RTPPortMin, o.cfg.RTPPortMax)
	if rerr != nil {
		return nil, fmt.Errorf("rebuild worker %d: %w", room.workerIndex, rerr)
	}
	o.mu.Lock()
	o.workers[room.workerIndex] = rebuilt
	o.mu.Unlock()

	return rebuilt.newPeerConnection(cfg)
}

// CreateWebRTCTransport creates the participant's send or recv transport.
func (o *Orchestrator) CreateWebRTCTransport(roomID, participantID string, direction TransportDirection) (*Transport, error) {
	if direction != TransportSend && direction != TransportRecv {
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	p, ok := room.participant(participantID)
	if !ok {
		return nil, ErrParticipantNotFound
	}

	pc, err := o.newPeerConnection(room)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := newTransport(uuid.NewString(), direction, pc, room.logger, func() {
		if handler := o.transportClosedHandler(); handler != nil {
			handler(roomID, participantID)
		}
	})
	p.setTransport(t)
	return t, nil
}

// ConnectTransport applies the remote session description to the named
// transport. For send transports the returned SDP is the server's answer; for
// recv transports it is empty.
func (o *Orchestrator) ConnectTransport(roomID, participantID, transportID, sdp string) (string, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return "", err
	}
	p, ok := room.participant(participantID)
	if !ok {
		return "", ErrParticipantNotFound
	}
	t := p.transportByID(transportID)
	if t == nil {
		return "", ErrTransportNotFound
	}
	return t.connect(sdp)
}

// CreateProducer binds the next negotiated track on the participant's send
// transport and registers it with the tags from appData.
func (o *Orchestrator) CreateProducer(roomID, participantID, transportID, kind string, appData ProducerAppData) (*Producer, error) {
	if kind != "audio" {
		return nil, fmt.Errorf("unsupported producer kind %q", kind)
	}
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	p, ok := room.participant(participantID)
	if !ok {
		return nil, ErrParticipantNotFound
	}
	t := p.transportByID(transportID)
	if t == nil {
		return nil, ErrTransportNotFound
	}
	if t.Direction() != TransportSend {
		return nil, fmt.Errorf("transport %s is not a send transport", transportID)
	}

	remote, err := t.awaitTrack()
	if err != nil {
		return nil, err
	}

	prod := newProducer(uuid.NewString(), participantID, appData, remote, room.logger)
	prod.startPump()
	p.addProducer(prod)

	room.logger.Info().
		Str("producer_id", prod.ID()).
		Str("participant_id", participantID).
		Str("bus_type", appData.BusType).
		Bool("is_bus_output", appData.IsBusOutput).
		Msg("producer created")
	return prod, nil
}

// resolveProducer applies the consume resolution rules: a "source:" prefix
// targets an ingest producer, an explicit producer id targets that entry in
// the participant's map, and the fallback is the participant's primary
// producer.
func (o *Orchestrator) resolveProducer(room *Room, producerParticipantID, specificProducerID string) (*Producer, error) {
	if strings.HasPrefix(producerParticipantID, "source:") {
		sourceID := strings.TrimPrefix(producerParticipantID, "source:")
		prod, ok := room.ingestProducer(sourceID)
		if !ok {
			return nil, ErrProducerNotFound
		}
		return prod, nil
	}

	p, ok := room.participant(producerParticipantID)
	if !ok {
		return nil, ErrParticipantNotFound
	}
	if specificProducerID != "" {
		prod := p.producerByID(specificProducerID)
		if prod == nil {
			return nil, ErrProducerNotFound
		}
		return prod, nil
	}
	prod := p.PrimaryProducer()
	if prod == nil {
		return nil, ErrProducerNotFound
	}
	return prod, nil
}

// CreateConsumer subscribes consumerParticipantID to a producer resolved from
// producerParticipantID and specificProducerID. The consumer starts paused;
// the reply carries the renegotiation offer for the recv transport.
func (o *Orchestrator) CreateConsumer(roomID, consumerParticipantID, producerParticipantID, specificProducerID string) (*ConsumeResult, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	consumer, ok := room.participant(consumerParticipantID)
	if !ok {
		return nil, ErrParticipantNotFound
	}
	recv := consumer.transport(TransportRecv)
	if recv == nil {
		return nil, ErrTransportNotFound
	}

	prod, err := o.resolveProducer(room, producerParticipantID, specificProducerID)
	if err != nil {
		return nil, err
	}
	if prod.IsClosed() {
		return nil, ErrProducerNotFound
	}

	consumerID := uuid.NewString()
	track, sender, err := recv.addConsumerTrack(consumerID, prod.ParticipantID())
	if err != nil {
		return nil, fmt.Errorf("add consumer track: %w", err)
	}

	c := newConsumer(consumerID, consumerParticipantID, prod.ID(), track, sender)
	prod.attachSink(c)
	consumer.addConsumer(c)

	offer, err := recv.createOffer()
	if err != nil {
		prod.detachSink(consumerID)
		c.close()
		if rerr := recv.removeSender(sender); rerr != nil {
			room.logger.Debug().Err(rerr).Msg("remove consumer sender after failed offer")
		}
		return nil, fmt.Errorf("create renegotiation offer: %w", err)
	}

	cap := opusCodecCapability()
	return &ConsumeResult{
		ConsumerID:  consumerID,
		ProducerID:  prod.ID(),
		Kind:        "audio",
		PayloadType: opusPayloadType,
		MimeType:    cap.MimeType,
		ClockRate:   cap.ClockRate,
		Channels:    cap.Channels,
		OfferSDP:    offer,
	}, nil
}

// ResumeConsumer opens a paused consumer's gate.
func (o *Orchestrator) ResumeConsumer(roomID, participantID, consumerID string) error {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return err
	}
	p, ok := room.participant(participantID)
	if !ok {
		return ErrParticipantNotFound
	}
	c := p.consumerByID(consumerID)
	if c == nil {
		return ErrConsumerNotFound
	}
	c.Resume()
	return nil
}

// GetBusProducer returns the first live bus producer for busType in the room.
// Stale entries (closed or paused) are skipped, so a host reconnect that
// leaves an old producer behind does not shadow the replacement.
func (o *Orchestrator) GetBusProducer(roomID, busType string) (*Producer, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	var found *Producer
	room.eachParticipant(func(p *Participant) {
		if found != nil {
			return
		}
		p.eachProducer(func(prod *Producer) {
			if found == nil && prod.matchesBus(busType) {
				found = prod
			}
		})
	})
	if found == nil {
		return nil, ErrProducerNotFound
	}
	return found, nil
}

// GetProducersInRoom enumerates the primary producers of every participant
// except excludeParticipantID, plus every ingest producer. Joiners consume
// this list to pick up what is already live.
func (o *Orchestrator) GetProducersInRoom(roomID, excludeParticipantID string) ([]ProducerInfo, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	infos := make([]ProducerInfo, 0)
	room.eachParticipant(func(p *Participant) {
		if p.ID() == excludeParticipantID {
			return
		}
		if prod := p.PrimaryProducer(); prod != nil && !prod.IsClosed() {
			infos = append(infos, prod.Info())
		}
	})
	room.eachIngestProducer(func(_ string, prod *Producer) {
		if !prod.IsClosed() {
			infos = append(infos, prod.Info())
		}
	})
	return infos, nil
}

// CreatePlainTransport creates (or replaces) the consumer-side plain-RTP
// transport for an egress output key. The returned info names the external
// port pair the encoder process must listen on.
func (o *Orchestrator) CreatePlainTransport(roomID, outputKey string) (PlainTransportInfo, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return PlainTransportInfo{}, err
	}

	if old, ok := room.removeEgressTransport(outputKey); ok {
		if cerr := old.Close(); cerr != nil {
			room.logger.Debug().Err(cerr).Str("output_key", outputKey).Msg("close replaced plain transport")
		}
	}

	t, err := newPlainTransport(uuid.NewString(), outputKey, o.cfg.RTPPortMin, o.cfg.RTPPortMax, o.cfg.EgressPortOffset, room.logger)
	if err != nil {
		return PlainTransportInfo{}, fmt.Errorf("create plain transport: %w", err)
	}
	if err := room.addEgressTransport(outputKey, t); err != nil {
		t.Close()
		return PlainTransportInfo{}, err
	}
	return t.Info(), nil
}

// ConsumeWithPlainTransport attaches the output key's plain transport to the
// named producer and returns the encoder-facing RTP parameters.
func (o *Orchestrator) ConsumeWithPlainTransport(roomID, outputKey, producerID string) (*PlainConsumeResult, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	t, ok := room.egressTransport(outputKey)
	if !ok {
		return nil, ErrTransportNotFound
	}
	prod := o.findProducer(room, producerID)
	if prod == nil || prod.IsClosed() {
		return nil, ErrProducerNotFound
	}
	return t.consume(prod)
}

// ClosePlainTransport tears down the egress transport for an output key.
func (o *Orchestrator) ClosePlainTransport(roomID, outputKey string) error {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return err
	}
	t, ok := room.removeEgressTransport(outputKey)
	if !ok {
		return ErrTransportNotFound
	}
	return t.Close()
}

// CreatePlainTransportForProducer creates (or replaces) the producer-side
// plain-RTP transport for an ingest source. The remote endpoint is learned
// from the first packet.
func (o *Orchestrator) CreatePlainTransportForProducer(roomID, sourceID string) (IngestTransportInfo, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return IngestTransportInfo{}, err
	}

	if old, ok := room.removeIngestTransport(sourceID); ok {
		if cerr := old.Close(); cerr != nil {
			room.logger.Debug().Err(cerr).Str("source_id", sourceID).Msg("close replaced ingest transport")
		}
	}

	t, err := newIngestTransport(uuid.NewString(), sourceID, o.cfg.RTPPortMin, o.cfg.RTPPortMax, room.logger)
	if err != nil {
		return IngestTransportInfo{}, fmt.Errorf("create ingest transport: %w", err)
	}
	if err := room.addIngestTransport(sourceID, t); err != nil {
		t.Close()
		return IngestTransportInfo{}, err
	}
	return t.Info(), nil
}

// CreateProducerOnPlainTransport registers the ingest producer fed by the
// source's plain transport. The producer appears to consumers under the
// participant id "source:<id>".
func (o *Orchestrator) CreateProducerOnPlainTransport(roomID, sourceID string, appData ProducerAppData) (*Producer, error) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	t, ok := room.ingestTransport(sourceID)
	if !ok {
		return nil, ErrTransportNotFound
	}
	if appData.Source == "" {
		appData.Source = sourceID
	}

	prod := newProducer(uuid.NewString(), "source:"+sourceID, appData, nil, room.logger)
	prod.onClose = func(*Producer) {
		room.removeIngestProducer(sourceID)
	}
	room.addIngestProducer(sourceID, prod)
	t.setProducer(prod)

	room.logger.Info().
		Str("producer_id", prod.ID()).
		Str("source_id", sourceID).
		Msg("ingest producer created")
	return prod, nil
}

// IngestRemoteAddr reports the sender address locked on the source's ingest
// transport, or false when the transport is missing or still unclaimed.
func (o *Orchestrator) IngestRemoteAddr(roomID, sourceID string) (string, bool) {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return "", false
	}
	t, ok := room.ingestTransport(sourceID)
	if !ok {
		return "", false
	}
	addr := t.RemoteAddr()
	return addr, addr != ""
}

// CloseIngestTransport tears down the source's ingest transport and producer.
func (o *Orchestrator) CloseIngestTransport(roomID, sourceID string) error {
	room, err := o.GetRoom(roomID)
	if err != nil {
		return err
	}
	t, ok := room.removeIngestTransport(sourceID)
	if !ok {
		return ErrTransportNotFound
	}
	return t.Close()
}

// findProducer scans the room for a producer by id, covering both participant
// producers and ingest producers.
func (o *Orchestrator) findProducer(room *Room, producerID string) *Producer {
	var found *Producer
	room.eachParticipant(func(p *Participant) {
		if found != nil {
			return
		}
		if prod := p.producerByID(producerID); prod != nil {
			found = prod
		}
	})
	if found == nil {
		room.eachIngestProducer(func(_ string, prod *Producer) {
			if found == nil && prod.ID() == producerID {
				found = prod
			}
		})
	}
	return found
}

// Stats reports pool and room totals.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	workers := len(o.workers)
	rooms := make([]*Room, 0, len(o.rooms))
	for _, r := range o.rooms {
		rooms = append(rooms, r)
	}
	o.mu.Unlock()

	participants := 0
	for _, r := range rooms {
		participants += r.ParticipantCount()
	}
	return Stats{Workers: workers, Rooms: len(rooms), Participants: participants}
}

// Close tears down every room.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.rooms))
	for id := range o.rooms {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := o.CloseRoom(id); err != nil && !errors.Is(err, ErrRoomNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
