/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sfu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TransportDirection distinguishes the client-to-server and server-to-client
// peer connections.
type TransportDirection string

const (
	TransportSend TransportDirection = "send"
	TransportRecv TransportDirection = "recv"
)

// trackAwaitTimeout bounds how long producer creation waits for the client's
// track to arrive after transport:connect.
const trackAwaitTimeout = 5 * time.Second

// Transport wraps one peer connection in a fixed direction. Send transports
// carry the client's published tracks; recv transports carry the server's
// consumer tracks.
type Transport struct {
	id        string
	direction TransportDirection
	pc        *webrtc.PeerConnection
	logger    zerolog.Logger

	// Tracks announced by OnTrack but not yet claimed by producer:create.
	pendingTracks chan *webrtc.TrackRemote

	mu     sync.Mutex
	closed bool
}

func newTransport(id string, direction TransportDirection, pc *webrtc.PeerConnection, logger zerolog.Logger, onClosed func()) *Transport {
	t := &Transport{
		id:            id,
		direction:     direction,
		pc:            pc,
		logger:        logger,
		pendingTracks: make(chan *webrtc.TrackRemote, 8),
	}

	if direction == TransportSend {
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			select {
			case t.pendingTracks <- remote:
			default:
				t.logger.Warn().Str("transport_id", id).Msg("pending track queue full, dropping track")
			}
		})
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug().
			Str("transport_id", id).
			Str("state", state.String()).
			Msg("ice connection state")
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// A deliberate Close marks the transport first; only an
			// underlying failure should notify upward.
			if !t.markClosed() {
				return
			}
			if err := t.pc.Close(); err != nil {
				t.logger.Debug().Err(err).Str("transport_id", id).Msg("close failed peer connection")
			}
			if onClosed != nil {
				onClosed()
			}
		}
	})

	return t
}

// ID returns the transport id.
func (t *Transport) ID() string { return t.id }

// Direction returns the transport direction.
func (t *Transport) Direction() TransportDirection { return t.direction }

// connect applies the client's session description. For send transports the
// client offers and the server answers; for recv transports the server has
// already offered and the client's answer completes the exchange. The
// returned SDP is the answer for send transports, empty otherwise.
func (t *Transport) connect(sdp string) (string, error) {
	switch t.direction {
	case TransportSend:
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
		if err := t.pc.SetRemoteDescription(offer); err != nil {
			return "", fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return "", fmt.Errorf("create answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(t.pc)
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return "", fmt.Errorf("set local answer: %w", err)
		}
		// Non-trickle: the answer carries every gathered candidate.
		<-gathered
		return t.pc.LocalDescription().SDP, nil

	case TransportRecv:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := t.pc.SetRemoteDescription(answer); err != nil {
			return "", fmt.Errorf("set remote answer: %w", err)
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown transport direction %q", t.direction)
	}
}

// createOffer builds a full offer for the recv transport after consumer
// tracks were added.
func (t *Transport) createOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	<-gathered
	return t.pc.LocalDescription().SDP, nil
}

// awaitTrack claims the next unclaimed published track, waiting up to
// trackAwaitTimeout for OnTrack to fire.
func (t *Transport) awaitTrack() (*webrtc.TrackRemote, error) {
	timer := time.NewTimer(trackAwaitTimeout)
	defer timer.Stop()

	select {
	case remote := <-t.pendingTracks:
		return remote, nil
	case <-timer.C:
		return nil, ErrNoPendingTrack
	}
}

// addConsumerTrack creates a local track, attaches it to the peer connection,
// and starts the RTCP drain the interceptors depend on.
func (t *Transport) addConsumerTrack(trackID, streamID string) (*webrtc.TrackLocalStaticRTP, *webrtc.RTPSender, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(opusCodecCapability(), trackID, streamID)
	if err != nil {
		return nil, nil, fmt.Errorf("create consumer track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, nil, fmt.Errorf("add consumer track: %w", err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return track, sender, nil
}

// removeSender detaches a consumer's sender from the peer connection.
func (t *Transport) removeSender(sender *webrtc.RTPSender) error {
	return t.pc.RemoveTrack(sender)
}

// markClosed flips the closed flag and reports whether this call flipped it.
func (t *Transport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

// Close closes the underlying peer connection. Idempotent.
func (t *Transport) Close() error {
	if !t.markClosed() {
		return nil
	}
	return t.pc.Close()
}

// Participant is the in-memory slot for one connected session: its
// transports, the producers it publishes, and the consumers it receives.
type Participant struct {
	id          string
	displayName string
	logger      zerolog.Logger

	mu            sync.RWMutex
	sendTransport *Transport
	recvTransport *Transport
	producers     map[string]*Producer
	// The non-bus producer used when a consume request names no producer.
	primaryProducer *Producer
	consumers       map[string]*Consumer
	closed          bool
}

func newParticipant(id, displayName string, logger zerolog.Logger) *Participant {
	return &Participant{
		id:          id,
		displayName: displayName,
		logger:      logger,
		producers:   make(map[string]*Producer),
		consumers:   make(map[string]*Consumer),
	}
}

// ID returns the participant id.
func (p *Participant) ID() string { return p.id }

// DisplayName returns the participant's display name.
func (p *Participant) DisplayName() string { return p.displayName }

// setTransport installs t in its direction slot. A leftover transport from a
// failed negotiation attempt is closed before being replaced.
func (p *Participant) setTransport(t *Transport) {
	p.mu.Lock()
	var old *Transport
	switch t.direction {
	case TransportSend:
		old = p.sendTransport
		p.sendTransport = t
	case TransportRecv:
		old = p.recvTransport
		p.recvTransport = t
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (p *Participant) transport(direction TransportDirection) *Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if direction == TransportSend {
		return p.sendTransport
	}
	return p.recvTransport
}

func (p *Participant) transportByID(id string) *Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sendTransport != nil && p.sendTransport.id == id {
		return p.sendTransport
	}
	if p.recvTransport != nil && p.recvTransport.id == id {
		return p.recvTransport
	}
	return nil
}

func (p *Participant) addProducer(prod *Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[prod.id] = prod
	if !prod.isBusOutput {
		p.primaryProducer = prod
	}
}

func (p *Participant) producerByID(id string) *Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producers[id]
}

// PrimaryProducer returns the participant's microphone producer, if any.
func (p *Participant) PrimaryProducer() *Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primaryProducer
}

func (p *Participant) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
}

func (p *Participant) consumerByID(id string) *Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumers[id]
}

// eachProducer visits every producer under the read lock.
func (p *Participant) eachProducer(fn func(*Producer)) {
	p.mu.RLock()
	producers := make([]*Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		producers = append(producers, prod)
	}
	p.mu.RUnlock()

	for _, prod := range producers {
		fn(prod)
	}
}

// Close tears down producers, consumers, and both transports, collecting
// errors rather than stopping at the first.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	producers := make([]*Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		producers = append(producers, prod)
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	send, recv := p.sendTransport, p.recvTransport
	p.mu.Unlock()

	var errs []error
	for _, prod := range producers {
		prod.Close()
	}
	for _, c := range consumers {
		c.close()
	}
	if send != nil {
		if err := send.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close send transport: %w", err))
		}
	}
	if recv != nil {
		if err := recv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recv transport: %w", err))
		}
	}
	return errors.Join(errs...)
}
