/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/sfu"
)

// handleTransportCreate builds one peer connection in the requested
// direction. ICE servers were already handed out at join.
func (s *Session) handleTransportCreate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Direction string `json:"direction"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	var direction sfu.TransportDirection
	switch req.Direction {
	case "send":
		direction = sfu.TransportSend
	case "recv":
		direction = sfu.TransportRecv
	default:
		return nil, fmt.Errorf("direction must be send or recv, got %q", req.Direction)
	}

	t, err := s.hub.media.CreateWebRTCTransport(s.room(), s.participant(), direction)
	if err != nil {
		return nil, err
	}
	return events.Payload{
		"transportId": t.ID(),
		"direction":   t.Direction(),
	}, nil
}

// handleTransportConnect completes the SDP exchange. For a send transport the
// client's offer is answered; for a recv transport the client's answer closes
// out a consume offer and the reply carries no SDP.
func (s *Session) handleTransportConnect(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		TransportID string `json:"transportId"`
		SDP         string `json:"sdp"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.TransportID == "" || req.SDP == "" {
		return nil, errors.New("transportId and sdp are required")
	}

	answer, err := s.hub.media.ConnectTransport(s.room(), s.participant(), req.TransportID, req.SDP)
	if err != nil {
		return nil, err
	}

	reply := events.Payload{}
	if answer != "" {
		reply["answer"] = answer
	}
	return reply, nil
}

// handleProducerCreate claims the next published track on the send transport.
// Bus producers stay unannounced; everything else is broadcast as
// producer:new so the room can consume it.
func (s *Session) handleProducerCreate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		TransportID string              `json:"transportId"`
		Kind        string              `json:"kind"`
		AppData     sfu.ProducerAppData `json:"appData"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.TransportID == "" {
		return nil, errors.New("transportId is required")
	}
	if req.Kind == "" {
		req.Kind = "audio"
	}

	roomID, pid := s.room(), s.participant()
	prod, err := s.hub.media.CreateProducer(roomID, pid, req.TransportID, req.Kind, req.AppData)
	if err != nil {
		return nil, err
	}

	if !req.AppData.IsBusOutput {
		s.hub.BroadcastExcept(roomChannel(roomID), "producer:new", events.Payload{
			"producerId":    prod.ID(),
			"participantId": pid,
			"kind":          req.Kind,
		}, s)
	}
	s.hub.bus.Publish(events.EventProducerCreated, events.Payload{
		"room_id":        roomID,
		"participant_id": pid,
		"producer_id":    prod.ID(),
		"bus_type":       req.AppData.BusType,
		"is_bus_output":  req.AppData.IsBusOutput,
	})

	return events.Payload{"producerId": prod.ID()}, nil
}

// handleConsumerCreate attaches the session to another participant's
// producer. The reply carries the renegotiation offer the client must answer
// via transport:connect on its recv transport, then resume.
func (s *Session) handleConsumerCreate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ProducerParticipantID string `json:"producerParticipantId"`
		ProducerID            string `json:"producerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ProducerParticipantID == "" && req.ProducerID == "" {
		return nil, errors.New("producerParticipantId or producerId is required")
	}

	res, err := s.hub.media.CreateConsumer(s.room(), s.participant(), req.ProducerParticipantID, req.ProducerID)
	if err != nil {
		return nil, err
	}
	return events.Payload{
		"consumerId":  res.ConsumerID,
		"producerId":  res.ProducerID,
		"kind":        res.Kind,
		"payloadType": res.PayloadType,
		"mimeType":    res.MimeType,
		"clockRate":   res.ClockRate,
		"channels":    res.Channels,
		"offer":       res.OfferSDP,
	}, nil
}

// handleConsumerResume opens the fanout gate for a consumer created paused.
func (s *Session) handleConsumerResume(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ConsumerID == "" {
		return nil, errors.New("consumerId is required")
	}

	if err := s.hub.media.ResumeConsumer(s.room(), s.participant(), req.ConsumerID); err != nil {
		return nil, err
	}
	return events.Payload{}, nil
}
