/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sfu

import (
	"sync"

	"github.com/rs/zerolog"
)

// CodecCapability describes one codec a room can receive.
type CodecCapability struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8  `json:"payloadType"`
}

// RTPCapabilities is the codec set advertised to joining clients.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// Room groups the media state of one studio room on a single worker. All
// participants of a room share that worker's port slice and API instance.
type Room struct {
	id          string
	workerIndex int
	logger      zerolog.Logger

	mu               sync.RWMutex
	participants     map[string]*Participant
	egressTransports map[string]*PlainTransport
	ingestTransports map[string]*IngestTransport
	ingestProducers  map[string]*Producer
	closed           bool
}

func newRoom(id string, workerIndex int, logger zerolog.Logger) *Room {
	return &Room{
		id:               id,
		workerIndex:      workerIndex,
		logger:           logger.With().Str("room_id", id).Logger(),
		participants:     make(map[string]*Participant),
		egressTransports: make(map[string]*PlainTransport),
		ingestTransports: make(map[string]*IngestTransport),
		ingestProducers:  make(map[string]*Producer),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// WorkerIndex returns the index of the worker this room is pinned to.
func (r *Room) WorkerIndex() int { return r.workerIndex }

// RTPCapabilities returns the codecs accepted in this room. Audio rooms
// negotiate a single opus configuration.
func (r *Room) RTPCapabilities() RTPCapabilities {
	cap := opusCodecCapability()
	return RTPCapabilities{
		Codecs: []CodecCapability{
			{
				MimeType:    cap.MimeType,
				ClockRate:   cap.ClockRate,
				Channels:    cap.Channels,
				SDPFmtpLine: cap.SDPFmtpLine,
				PayloadType: opusPayloadType,
			},
		},
	}
}

// ParticipantCount returns the number of joined participants.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) addParticipant(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[p.ID()]; ok {
		return ErrParticipantExists
	}
	r.participants[p.ID()] = p
	return nil
}

func (r *Room) participant(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

func (r *Room) removeParticipant(id string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if ok {
		delete(r.participants, id)
	}
	return p, ok
}

// eachParticipant calls fn for every participant. The room lock is not held
// during fn.
func (r *Room) eachParticipant(fn func(*Participant)) {
	r.mu.RLock()
	ps := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	r.mu.RUnlock()
	for _, p := range ps {
		fn(p)
	}
}

func (r *Room) addEgressTransport(key string, t *PlainTransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.egressTransports[key]; ok {
		return ErrTransportExists
	}
	r.egressTransports[key] = t
	return nil
}

func (r *Room) egressTransport(key string) (*PlainTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.egressTransports[key]
	return t, ok
}

func (r *Room) removeEgressTransport(key string) (*PlainTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.egressTransports[key]
	if ok {
		delete(r.egressTransports, key)
	}
	return t, ok
}

func (r *Room) addIngestTransport(sourceID string, t *IngestTransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.ingestTransports[sourceID]; ok {
		return ErrTransportExists
	}
	r.ingestTransports[sourceID] = t
	return nil
}

func (r *Room) ingestTransport(sourceID string) (*IngestTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.ingestTransports[sourceID]
	return t, ok
}

func (r *Room) removeIngestTransport(sourceID string) (*IngestTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.ingestTransports[sourceID]
	if ok {
		delete(r.ingestTransports, sourceID)
	}
	return t, ok
}

func (r *Room) addIngestProducer(sourceID string, p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingestProducers[sourceID] = p
}

func (r *Room) ingestProducer(sourceID string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ingestProducers[sourceID]
	return p, ok
}

func (r *Room) removeIngestProducer(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ingestProducers, sourceID)
}

// eachIngestProducer calls fn for every ingest producer keyed by source id.
func (r *Room) eachIngestProducer(fn func(sourceID string, p *Producer)) {
	r.mu.RLock()
	type entry struct {
		sourceID string
		producer *Producer
	}
	entries := make([]entry, 0, len(r.ingestProducers))
	for id, p := range r.ingestProducers {
		entries = append(entries, entry{id, p})
	}
	r.mu.RUnlock()
	for _, e := range entries {
		fn(e.sourceID, e.producer)
	}
}

// close tears down every participant and transport in the room.
func (r *Room) close() []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	participants := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	egress := make([]*PlainTransport, 0, len(r.egressTransports))
	for _, t := range r.egressTransports {
		egress = append(egress, t)
	}
	ingest := make([]*IngestTransport, 0, len(r.ingestTransports))
	for _, t := range r.ingestTransports {
		ingest = append(ingest, t)
	}
	r.participants = make(map[string]*Participant)
	r.egressTransports = make(map[string]*PlainTransport)
	r.ingestTransports = make(map[string]*IngestTransport)
	r.ingestProducers = make(map[string]*Producer)
	r.mu.Unlock()

	var errs []error
	for _, p := range participants {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range egress {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range ingest {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
