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
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

const maxChatBody = 4000

// handleCueSend creates a cue row and signals it to the room. A cue without
// a target addresses everyone.
func (s *Session) handleCueSend(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		Color               string `json:"color"`
		CustomColor         string `json:"customColor"`
		Message             string `json:"message"`
		TargetParticipantID string `json:"targetParticipantId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	color := models.CueColor(req.Color)
	switch color {
	case models.CueOff, models.CueRed, models.CueYellow, models.CueGreen:
	case models.CueCustom:
		if req.CustomColor == "" {
			return nil, errors.New("customColor is required for CUSTOM cues")
		}
	default:
		return nil, fmt.Errorf("unknown cue color %q", req.Color)
	}

	cue := models.RoomCue{
		ID:          uuid.NewString(),
		RoomID:      s.room(),
		Color:       color,
		CustomColor: req.CustomColor,
		Message:     req.Message,
		CreatedByID: actor.ID,
		CreatedAt:   time.Now(),
	}
	if req.TargetParticipantID != "" {
		cue.TargetParticipantID = &req.TargetParticipantID
	}
	if err := s.hub.db.WithContext(ctx).Create(&cue).Error; err != nil {
		return nil, fmt.Errorf("store cue: %w", err)
	}

	payload := events.Payload{
		"cueId":       cue.ID,
		"color":       cue.Color,
		"customColor": cue.CustomColor,
		"message":     cue.Message,
		"sentBy":      actor.ID,
	}
	if cue.TargetParticipantID != nil {
		payload["targetParticipantId"] = *cue.TargetParticipantID
	}
	s.hub.Broadcast(roomChannel(s.room()), "cue:received", payload)

	return events.Payload{"cueId": cue.ID}, nil
}

// handleCueClear removes one cue, or every cue in the room when no id is
// given.
func (s *Session) handleCueClear(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		CueID string `json:"cueId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	roomID := s.room()
	q := s.hub.db.WithContext(ctx).Where("room_id = ?", roomID)
	if req.CueID != "" {
		q = q.Where("id = ?", req.CueID)
	}
	if err := q.Delete(&models.RoomCue{}).Error; err != nil {
		return nil, fmt.Errorf("clear cues: %w", err)
	}

	payload := events.Payload{"clearedBy": actor.ID}
	if req.CueID != "" {
		payload["cueId"] = req.CueID
	}
	s.hub.Broadcast(roomChannel(roomID), "cue:cleared", payload)
	return events.Payload{}, nil
}

// handleChatSend stores and fans out one chat line. Recipient-scoped messages
// go out as chat:private with a forParticipantId hint; producer notes use
// their own event so contributor UIs can ignore them.
func (s *Session) handleChatSend(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Body                   string `json:"body"`
		Type                   string `json:"type"`
		RecipientParticipantID string `json:"recipientParticipantId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Body == "" {
		return nil, errors.New("body is required")
	}
	if len(req.Body) > maxChatBody {
		return nil, fmt.Errorf("body exceeds %d characters", maxChatBody)
	}

	chatType := models.ChatPublic
	switch models.ChatType(req.Type) {
	case "", models.ChatPublic:
	case models.ChatProducerNote:
		chatType = models.ChatProducerNote
	default:
		return nil, fmt.Errorf("unknown chat type %q", req.Type)
	}

	msg := models.ChatMessage{
		ID:                  uuid.NewString(),
		RoomID:              s.room(),
		SenderParticipantID: s.participant(),
		SenderName:          s.name(),
		Type:                chatType,
		Body:                req.Body,
		CreatedAt:           time.Now(),
	}
	if req.RecipientParticipantID != "" {
		msg.RecipientParticipantID = &req.RecipientParticipantID
	}
	if err := s.hub.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("store chat message: %w", err)
	}

	payload := events.Payload{
		"messageId":  msg.ID,
		"senderId":   msg.SenderParticipantID,
		"senderName": msg.SenderName,
		"type":       msg.Type,
		"body":       msg.Body,
		"sentAt":     msg.CreatedAt,
	}

	event := "chat:message"
	switch {
	case msg.RecipientParticipantID != nil:
		event = "chat:private"
		payload["forParticipantId"] = *msg.RecipientParticipantID
	case chatType == models.ChatProducerNote:
		event = "chat:producer-note"
	}
	s.hub.BroadcastExcept(roomChannel(s.room()), event, payload, s)

	return events.Payload{"messageId": msg.ID}, nil
}

// handleChatHistory returns the room's recent messages, oldest first.
// Private lines are filtered to the ones the requester sent or received.
func (s *Session) handleChatHistory(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}

	pid := s.participant()
	var messages []models.ChatMessage
	err := s.hub.db.WithContext(ctx).
		Where("room_id = ?", s.room()).
		Where("recipient_participant_id IS NULL OR recipient_participant_id = ? OR sender_participant_id = ?", pid, pid).
		Order("created_at DESC").
		Limit(req.Limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	// Newest row came first; clients want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return events.Payload{"messages": messages}, nil
}
