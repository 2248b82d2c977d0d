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
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/sfu"
)

// talkbackPayload renders a group with its member ids flattened out.
func talkbackPayload(g *models.TalkbackGroup) events.Payload {
	members := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		members = append(members, m.ParticipantID)
	}
	return events.Payload{
		"groupId": g.ID,
		"name":    g.Name,
		"members": members,
	}
}

func (s *Session) talkbackGroupInRoom(ctx context.Context, groupID string) (*models.TalkbackGroup, error) {
	if groupID == "" {
		return nil, errors.New("groupId is required")
	}
	var group models.TalkbackGroup
	err := s.hub.db.WithContext(ctx).
		Preload("Members").
		Where("id = ? AND room_id = ?", groupID, s.room()).
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("talkback group not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load talkback group: %w", err)
	}
	return &group, nil
}

func (s *Session) handleTalkbackCreateGroup(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}

	now := time.Now()
	group := models.TalkbackGroup{
		ID:        uuid.NewString(),
		RoomID:    s.room(),
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, pid := range req.Members {
		group.Members = append(group.Members, models.TalkbackGroupMember{
			GroupID:       group.ID,
			ParticipantID: pid,
		})
	}
	if err := s.hub.db.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, fmt.Errorf("create talkback group: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "talkback:group-created", talkbackPayload(&group))
	return events.Payload{"groupId": group.ID}, nil
}

func (s *Session) handleTalkbackUpdateGroup(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		GroupID string `json:"groupId"`
		Name    string `json:"name"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	group, err := s.talkbackGroupInRoom(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}

	group.Name = req.Name
	group.UpdatedAt = time.Now()
	err = s.hub.db.WithContext(ctx).Model(group).
		Updates(map[string]any{"name": group.Name, "updated_at": group.UpdatedAt}).Error
	if err != nil {
		return nil, fmt.Errorf("update talkback group: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "talkback:group-updated", talkbackPayload(group))
	return events.Payload{}, nil
}

func (s *Session) handleTalkbackDeleteGroup(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	group, err := s.talkbackGroupInRoom(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	err = s.hub.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", group.ID).Delete(&models.TalkbackGroupMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(group).Error
	})
	if err != nil {
		return nil, fmt.Errorf("delete talkback group: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "talkback:group-deleted", events.Payload{"groupId": group.ID})
	return events.Payload{}, nil
}

func (s *Session) handleTalkbackAddMember(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		GroupID       string `json:"groupId"`
		ParticipantID string `json:"participantId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		return nil, errors.New("participantId is required")
	}
	group, err := s.talkbackGroupInRoom(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantInRoom(ctx, req.ParticipantID); err != nil {
		return nil, err
	}
	for _, m := range group.Members {
		if m.ParticipantID == req.ParticipantID {
			return events.Payload{}, nil
		}
	}

	member := models.TalkbackGroupMember{GroupID: group.ID, ParticipantID: req.ParticipantID}
	if err := s.hub.db.WithContext(ctx).Create(&member).Error; err != nil {
		return nil, fmt.Errorf("add talkback member: %w", err)
	}
	group.Members = append(group.Members, member)

	s.hub.Broadcast(roomChannel(s.room()), "talkback:group-updated", talkbackPayload(group))
	return events.Payload{}, nil
}

func (s *Session) handleTalkbackRemoveMember(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		GroupID       string `json:"groupId"`
		ParticipantID string `json:"participantId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		return nil, errors.New("participantId is required")
	}
	group, err := s.talkbackGroupInRoom(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	err = s.hub.db.WithContext(ctx).
		Where("group_id = ? AND participant_id = ?", group.ID, req.ParticipantID).
		Delete(&models.TalkbackGroupMember{}).Error
	if err != nil {
		return nil, fmt.Errorf("remove talkback member: %w", err)
	}

	kept := group.Members[:0]
	for _, m := range group.Members {
		if m.ParticipantID != req.ParticipantID {
			kept = append(kept, m)
		}
	}
	group.Members = kept

	s.hub.Broadcast(roomChannel(s.room()), "talkback:group-updated", talkbackPayload(group))
	return events.Payload{}, nil
}

func (s *Session) handleTalkbackListGroups(ctx context.Context) (events.Payload, error) {
	var groups []models.TalkbackGroup
	err := s.hub.db.WithContext(ctx).
		Preload("Members").
		Where("room_id = ?", s.room()).
		Order("created_at ASC").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("list talkback groups: %w", err)
	}

	out := make([]events.Payload, 0, len(groups))
	for i := range groups {
		out = append(out, talkbackPayload(&groups[i]))
	}
	return events.Payload{"groups": out}, nil
}

// resolveIFBTargets expands an IFB target spec into the participant ids that
// should duck program audio and hear talkback.
func (s *Session) resolveIFBTargets(ctx context.Context, targetType models.IFBTargetType, targetID *string) ([]string, error) {
	switch targetType {
	case models.IFBTargetAll:
		return nil, nil
	case models.IFBTargetParticipant:
		if targetID == nil || *targetID == "" {
			return nil, errors.New("targetId is required for PARTICIPANT targets")
		}
		if _, err := s.participantInRoom(ctx, *targetID); err != nil {
			return nil, err
		}
		return []string{*targetID}, nil
	case models.IFBTargetGroup:
		if targetID == nil || *targetID == "" {
			return nil, errors.New("targetId is required for GROUP targets")
		}
		group, err := s.talkbackGroupInRoom(ctx, *targetID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(group.Members))
		for _, m := range group.Members {
			ids = append(ids, m.ParticipantID)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown IFB target type %q", targetType)
	}
}

// ifbPayload renders an IFB session for the wire. forParticipantIds is only
// set for scoped targets; ALL sessions omit it so every member reacts.
func ifbPayload(ifb *models.IFBSession, targets []string) events.Payload {
	p := events.Payload{
		"ifbId":      ifb.ID,
		"targetType": ifb.TargetType,
		"duckLevel":  ifb.DuckLevel,
		"startedBy":  ifb.StartedByID,
		"startedAt":  ifb.StartedAt,
	}
	if ifb.TargetID != nil {
		p["targetId"] = *ifb.TargetID
	}
	if len(targets) > 0 {
		p["forParticipantIds"] = targets
	}
	return p
}

// broadcastIFB fans an IFB event into the room and its green rooms, whose
// members sit on the parent's IFB channel.
func (s *Session) broadcastIFB(event string, payload events.Payload) {
	roomID := s.room()
	s.hub.Broadcast(roomChannel(roomID), event, payload)
	s.hub.Broadcast(ifbChannel(roomID), event, payload)
}

// handleIFBStart opens a talkback session into contributor earpieces. The
// talkback bus producer is allowed a short grace period to appear; IFB
// ducking is signaled either way so operators are never blocked on media.
func (s *Session) handleIFBStart(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		TargetType string  `json:"targetType"`
		TargetID   string  `json:"targetId"`
		DuckLevel  float64 `json:"duckLevel"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	targetType := models.IFBTargetType(req.TargetType)
	if targetType == "" {
		targetType = models.IFBTargetAll
	}
	var targetID *string
	if req.TargetID != "" {
		targetID = &req.TargetID
	}
	targets, err := s.resolveIFBTargets(ctx, targetType, targetID)
	if err != nil {
		return nil, err
	}

	duck := req.DuckLevel
	if duck <= 0 {
		duck = 0.7
	}
	duck = clamp(duck, 0, 1)

	roomID := s.room()
	producer := s.waitForTalkbackBus(ctx, roomID)
	if producer == nil {
		s.logger.Warn().Str("room_id", roomID).Msg("talkback bus producer not live; IFB signaled without media")
	}

	ifb := models.IFBSession{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		TargetType:  targetType,
		TargetID:    targetID,
		StartedByID: actor.ID,
		DuckLevel:   duck,
		Active:      true,
		StartedAt:   time.Now(),
	}
	if err := s.hub.db.WithContext(ctx).Create(&ifb).Error; err != nil {
		return nil, fmt.Errorf("store IFB session: %w", err)
	}

	s.broadcastIFB("ifb:started", ifbPayload(&ifb, targets))

	reply := events.Payload{"ifbId": ifb.ID}
	if len(targets) > 0 {
		reply["targetParticipantIds"] = targets
	}
	if producer != nil {
		reply["producerId"] = producer.ID()
	} else {
		reply["warning"] = "talkback bus has no live producer"
	}
	return reply, nil
}

// waitForTalkbackBus polls briefly for the room's TB bus producer. Mixer
// clients publish it on connect, so a miss usually means no mixer is up yet.
func (s *Session) waitForTalkbackBus(ctx context.Context, roomID string) *sfu.Producer {
	for i := 0; i < 10; i++ {
		if p, err := s.hub.media.GetBusProducer(roomID, string(models.BusTB)); err == nil && p != nil {
			return p
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

func (s *Session) handleIFBUpdate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		IFBID     string  `json:"ifbId"`
		DuckLevel float64 `json:"duckLevel"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.IFBID == "" {
		return nil, errors.New("ifbId is required")
	}

	var ifb models.IFBSession
	err := s.hub.db.WithContext(ctx).
		Where("id = ? AND room_id = ? AND active = ?", req.IFBID, s.room(), true).
		First(&ifb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("active IFB session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load IFB session: %w", err)
	}

	ifb.DuckLevel = clamp(req.DuckLevel, 0, 1)
	err = s.hub.db.WithContext(ctx).Model(&ifb).Update("duck_level", ifb.DuckLevel).Error
	if err != nil {
		return nil, fmt.Errorf("update IFB session: %w", err)
	}

	targets, err := s.resolveIFBTargets(ctx, ifb.TargetType, ifb.TargetID)
	if err != nil {
		targets = nil
	}
	s.broadcastIFB("ifb:updated", ifbPayload(&ifb, targets))
	return events.Payload{}, nil
}

func (s *Session) handleIFBEnd(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		IFBID string `json:"ifbId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.IFBID == "" {
		return nil, errors.New("ifbId is required")
	}

	var ifb models.IFBSession
	err := s.hub.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", req.IFBID, s.room()).
		First(&ifb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("IFB session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load IFB session: %w", err)
	}
	if !ifb.Active {
		return events.Payload{}, nil
	}

	now := time.Now()
	err = s.hub.db.WithContext(ctx).Model(&ifb).
		Updates(map[string]any{"active": false, "ended_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("end IFB session: %w", err)
	}

	targets, err := s.resolveIFBTargets(ctx, ifb.TargetType, ifb.TargetID)
	if err != nil {
		targets = nil
	}
	payload := ifbPayload(&ifb, targets)
	payload["endedAt"] = now
	s.broadcastIFB("ifb:ended", payload)
	return events.Payload{}, nil
}

func (s *Session) handleIFBList(ctx context.Context) (events.Payload, error) {
	var sessions []models.IFBSession
	err := s.hub.db.WithContext(ctx).
		Where("room_id = ? AND active = ?", s.room(), true).
		Order("started_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list IFB sessions: %w", err)
	}
	return events.Payload{"sessions": sessions}, nil
}
