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
	"github.com/friendsincode/hermod_studio/internal/models"
)

// familyRoot resolves the parent room id for the session's room: the room
// itself unless it is a green room.
func (s *Session) familyRoot(ctx context.Context) (string, error) {
	room, err := s.hub.rooms.GetRoom(ctx, s.room())
	if err != nil {
		return "", err
	}
	if room.IsGreenRoom() {
		return *room.ParentID, nil
	}
	return room.ID, nil
}

// inFamily reports whether roomID belongs to the parent's room family: the
// parent itself or one of its green rooms.
func (s *Session) inFamily(ctx context.Context, parentID, roomID string) (*models.Room, bool, error) {
	room, err := s.hub.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if room.ID == parentID {
		return room, true, nil
	}
	if room.IsGreenRoom() && *room.ParentID == parentID {
		return room, true, nil
	}
	return room, false, nil
}

func (s *Session) handleGreenRoomCreate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}

	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}

	// Green rooms attach to the parent; the service publishes the created
	// event that the hub turns into the greenroom:created broadcast.
	green, err := s.hub.rooms.CreateGreenRoom(ctx, parentID, req.Name, actor.ID)
	if err != nil {
		return nil, err
	}
	return events.Payload{"roomId": green.ID, "name": green.Name, "parentRoomId": parentID}, nil
}

func (s *Session) handleGreenRoomDelete(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		return nil, errors.New("roomId is required")
	}

	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	room, ok, err := s.inFamily(ctx, parentID, req.RoomID)
	if err != nil {
		return nil, err
	}
	if !ok || !room.IsGreenRoom() {
		return nil, errors.New("green room not found")
	}

	if err := s.hub.rooms.DeleteGreenRoom(ctx, req.RoomID, actor.ID); err != nil {
		return nil, err
	}
	return events.Payload{}, nil
}

func (s *Session) handleGreenRoomList(ctx context.Context) (events.Payload, error) {
	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	greens, err := s.hub.rooms.ListGreenRooms(ctx, parentID)
	if err != nil {
		return nil, err
	}

	out := make([]events.Payload, 0, len(greens))
	for i := range greens {
		out = append(out, events.Payload{
			"roomId":       greens[i].ID,
			"name":         greens[i].Name,
			"parentRoomId": parentID,
		})
	}
	return events.Payload{"greenRooms": out}, nil
}

// handleGreenRoomMove shuttles a participant between the parent room and its
// green rooms. The row moves first, then media, then the live session's
// channel memberships; the moved client re-negotiates from the bootstrap in
// greenroom:moved.
func (s *Session) handleGreenRoomMove(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		ParticipantID string `json:"participantId"`
		ToRoomID      string `json:"toRoomId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" || req.ToRoomID == "" {
		return nil, errors.New("participantId and toRoomId are required")
	}

	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	toRoom, ok, err := s.inFamily(ctx, parentID, req.ToRoomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("destination is not part of this room family")
	}
	if !toRoom.IsActive {
		return nil, errors.New("destination room is closed")
	}

	var target models.Participant
	err = s.hub.db.WithContext(ctx).
		Where("id = ? AND is_connected = ?", req.ParticipantID, true).
		First(&target).Error
	if err != nil {
		return nil, errors.New("participant not found")
	}
	fromRoomID := target.RoomID
	if _, ok, err := s.inFamily(ctx, parentID, fromRoomID); err != nil || !ok {
		return nil, errors.New("participant is not part of this room family")
	}
	if fromRoomID == req.ToRoomID {
		return events.Payload{}, nil
	}

	if err := s.hub.rooms.MoveParticipant(ctx, target.ID, req.ToRoomID); err != nil {
		return nil, err
	}

	// Media follows the row: close in the source, register in the
	// destination. The client re-creates transports against the new room.
	if err := s.hub.media.CloseParticipant(fromRoomID, target.ID); err != nil && !isBenignMediaErr(err) {
		s.logger.Warn().Err(err).Str("participant_id", target.ID).Msg("close media on move")
	}
	s.hub.media.GetOrCreateRoom(req.ToRoomID)
	if _, err := s.hub.media.AddParticipant(req.ToRoomID, target.ID, target.DisplayName); err != nil && !isBenignMediaErr(err) {
		s.logger.Warn().Err(err).Str("participant_id", target.ID).Msg("media registration on move")
	}

	if moved := s.hub.sessionFor(target.ID); moved != nil {
		s.hub.leaveChannel(roomChannel(fromRoomID), moved)
		if fromRoomID != parentID {
			s.hub.leaveChannel(ifbChannel(parentID), moved)
		}
		s.hub.joinChannel(roomChannel(req.ToRoomID), moved)
		if req.ToRoomID != parentID {
			s.hub.joinChannel(ifbChannel(parentID), moved)
		}
		moved.setRoom(req.ToRoomID)
		s.hub.sendToParticipant(target.ID, "greenroom:moved", s.hub.mediaBootstrap(req.ToRoomID, target.ID))
	}

	s.pruneQueue(fromRoomID, parentID, target.ID)

	moveEvent := events.Payload{
		"participantId": target.ID,
		"displayName":   target.DisplayName,
		"fromRoomId":    fromRoomID,
		"toRoomId":      req.ToRoomID,
		"movedBy":       actor.ID,
	}
	s.hub.Broadcast(roomChannel(fromRoomID), "greenroom:participant-moved", moveEvent)
	s.hub.Broadcast(roomChannel(req.ToRoomID), "greenroom:participant-moved", moveEvent)
	if parentID != fromRoomID && parentID != req.ToRoomID {
		s.hub.Broadcast(roomChannel(parentID), "greenroom:participant-moved", moveEvent)
	}
	return events.Payload{}, nil
}

// pruneQueue drops a moved or departed participant from a green room's
// next-up queue and tells the panels.
func (s *Session) pruneQueue(roomID, parentID, participantID string) {
	queue := s.hub.queue(roomID)
	kept := queue[:0]
	for _, pid := range queue {
		if pid != participantID {
			kept = append(kept, pid)
		}
	}
	if len(kept) == len(queue) {
		return
	}
	s.hub.setQueue(roomID, kept)
	payload := events.Payload{"roomId": roomID, "queue": kept}
	s.hub.Broadcast(roomChannel(roomID), "greenroom:queue-updated", payload)
	if parentID != roomID {
		s.hub.Broadcast(roomChannel(parentID), "greenroom:queue-updated", payload)
	}
}

func (s *Session) handleGreenRoomUpdateQueue(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		RoomID string   `json:"roomId"`
		Queue  []string `json:"queue"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		req.RoomID = s.room()
	}

	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok, err := s.inFamily(ctx, parentID, req.RoomID); err != nil || !ok {
		return nil, errors.New("room is not part of this room family")
	}

	s.hub.setQueue(req.RoomID, req.Queue)
	payload := events.Payload{"roomId": req.RoomID, "queue": req.Queue}
	s.hub.Broadcast(roomChannel(req.RoomID), "greenroom:queue-updated", payload)
	if parentID != req.RoomID {
		s.hub.Broadcast(roomChannel(parentID), "greenroom:queue-updated", payload)
	}
	return events.Payload{}, nil
}

func (s *Session) handleGreenRoomGetQueue(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		req.RoomID = s.room()
	}

	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok, err := s.inFamily(ctx, parentID, req.RoomID); err != nil || !ok {
		return nil, errors.New("room is not part of this room family")
	}
	return events.Payload{"roomId": req.RoomID, "queue": s.hub.queue(req.RoomID)}, nil
}

// handleGreenRoomCountdown signals "you're on in N seconds" to a green room
// or a single participant. Pure signaling; nothing persists.
func (s *Session) handleGreenRoomCountdown(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		RoomID        string `json:"roomId"`
		ParticipantID string `json:"participantId"`
		Seconds       int    `json:"seconds"`
		Message       string `json:"message"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Seconds <= 0 {
		return nil, errors.New("seconds must be positive")
	}

	payload := events.Payload{
		"seconds": req.Seconds,
		"message": req.Message,
		"sentBy":  actor.ID,
	}

	if req.ParticipantID != "" {
		if !s.hub.sendToParticipant(req.ParticipantID, "greenroom:countdown", payload) {
			payload["forParticipantId"] = req.ParticipantID
			s.hub.Broadcast(roomChannel(s.room()), "greenroom:countdown", payload)
		}
		return events.Payload{}, nil
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = s.room()
	}
	parentID, err := s.familyRoot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok, err := s.inFamily(ctx, parentID, roomID); err != nil || !ok {
		return nil, fmt.Errorf("room %s is not part of this room family", roomID)
	}

	s.hub.Broadcast(roomChannel(roomID), "greenroom:countdown", payload)
	return events.Payload{}, nil
}
