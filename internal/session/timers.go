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
)

// timerPayload renders a timer with elapsed/remaining computed at now, so
// clients can animate locally without asking again.
func timerPayload(t *models.RoomTimer, now time.Time) events.Payload {
	p := events.Payload{
		"timerId":     t.ID,
		"label":       t.Label,
		"kind":        t.Kind,
		"state":       t.State,
		"durationSec": t.DurationSec,
		"elapsedMs":   t.ElapsedAt(now).Milliseconds(),
		"remainingMs": t.RemainingAt(now).Milliseconds(),
	}
	if t.StartedAt != nil {
		p["startedAt"] = t.StartedAt
	}
	return p
}

func (s *Session) timerInRoom(ctx context.Context, timerID string) (*models.RoomTimer, error) {
	if timerID == "" {
		return nil, errors.New("timerId is required")
	}
	var timer models.RoomTimer
	err := s.hub.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", timerID, s.room()).
		First(&timer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("timer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load timer: %w", err)
	}
	return &timer, nil
}

func (s *Session) handleTimerCreate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		Label       string `json:"label"`
		Kind        string `json:"kind"`
		DurationSec int    `json:"durationSec"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	kind := models.TimerKind(req.Kind)
	switch kind {
	case models.TimerCountdown:
		if req.DurationSec <= 0 {
			return nil, errors.New("countdown timers need durationSec > 0")
		}
	case models.TimerStopwatch:
		req.DurationSec = 0
	default:
		return nil, fmt.Errorf("unknown timer kind %q", req.Kind)
	}

	now := time.Now()
	timer := models.RoomTimer{
		ID:          uuid.NewString(),
		RoomID:      s.room(),
		Label:       req.Label,
		Kind:        kind,
		DurationSec: req.DurationSec,
		State:       models.TimerStopped,
		CreatedByID: actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.hub.db.WithContext(ctx).Create(&timer).Error; err != nil {
		return nil, fmt.Errorf("store timer: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "timer:created", timerPayload(&timer, now))
	return events.Payload{"timerId": timer.ID}, nil
}

func (s *Session) handleTimerStart(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}
	var req struct {
		TimerID string `json:"timerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	timer, err := s.timerInRoom(ctx, req.TimerID)
	if err != nil {
		return nil, err
	}
	if timer.State == models.TimerRunning {
		return nil, errors.New("timer already running")
	}

	now := time.Now()
	timer.State = models.TimerRunning
	timer.StartedAt = &now
	timer.UpdatedAt = now
	if err := s.hub.db.WithContext(ctx).Save(timer).Error; err != nil {
		return nil, fmt.Errorf("start timer: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "timer:started", timerPayload(timer, now))
	return events.Payload{"timerId": timer.ID}, nil
}

func (s *Session) handleTimerPause(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}
	var req struct {
		TimerID string `json:"timerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	timer, err := s.timerInRoom(ctx, req.TimerID)
	if err != nil {
		return nil, err
	}
	if timer.State != models.TimerRunning {
		return nil, errors.New("timer is not running")
	}

	now := time.Now()
	if timer.StartedAt != nil {
		timer.ElapsedMS += now.Sub(*timer.StartedAt).Milliseconds()
	}
	timer.State = models.TimerPaused
	timer.StartedAt = nil
	timer.UpdatedAt = now
	if err := s.hub.db.WithContext(ctx).Save(timer).Error; err != nil {
		return nil, fmt.Errorf("pause timer: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "timer:paused", timerPayload(timer, now))
	return events.Payload{"timerId": timer.ID}, nil
}

func (s *Session) handleTimerReset(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}
	var req struct {
		TimerID string `json:"timerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	timer, err := s.timerInRoom(ctx, req.TimerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	timer.State = models.TimerStopped
	timer.StartedAt = nil
	timer.ElapsedMS = 0
	timer.UpdatedAt = now
	// Save skips zero values on updates; use explicit column writes.
	err = s.hub.db.WithContext(ctx).Model(timer).
		Select("state", "started_at", "elapsed_ms", "updated_at").
		Updates(map[string]any{
			"state":      timer.State,
			"started_at": nil,
			"elapsed_ms": int64(0),
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("reset timer: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "timer:reset", timerPayload(timer, now))
	return events.Payload{"timerId": timer.ID}, nil
}

func (s *Session) handleTimerDelete(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}
	var req struct {
		TimerID string `json:"timerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	timer, err := s.timerInRoom(ctx, req.TimerID)
	if err != nil {
		return nil, err
	}
	if err := s.hub.db.WithContext(ctx).Delete(timer).Error; err != nil {
		return nil, fmt.Errorf("delete timer: %w", err)
	}

	s.hub.Broadcast(roomChannel(s.room()), "timer:deleted", events.Payload{"timerId": timer.ID})
	return events.Payload{}, nil
}

func (s *Session) handleTimerList(ctx context.Context) (events.Payload, error) {
	var timers []models.RoomTimer
	err := s.hub.db.WithContext(ctx).
		Where("room_id = ?", s.room()).
		Order("created_at ASC").
		Find(&timers).Error
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}

	now := time.Now()
	out := make([]events.Payload, 0, len(timers))
	for i := range timers {
		out = append(out, timerPayload(&timers[i], now))
	}
	return events.Payload{"timers": out}, nil
}

// handleRundownSave replaces the room's rundown wholesale. Editors work on
// the full list client-side, so a replace keeps ordering conflicts out of
// the protocol.
func (s *Session) handleRundownSave(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		Title string `json:"title"`
		Items []struct {
			Title      string `json:"title"`
			Notes      string `json:"notes"`
			PlannedSec int    `json:"plannedSec"`
		} `json:"items"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	roomID := s.room()
	now := time.Now()
	rundown := models.Rundown{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, item := range req.Items {
		rundown.Items = append(rundown.Items, models.RundownItem{
			ID:         uuid.NewString(),
			RundownID:  rundown.ID,
			Position:   i,
			Title:      item.Title,
			Notes:      item.Notes,
			PlannedSec: item.PlannedSec,
			Status:     models.ItemPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	err := s.hub.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old []models.Rundown
		if err := tx.Where("room_id = ?", roomID).Find(&old).Error; err != nil {
			return err
		}
		for i := range old {
			if err := tx.Where("rundown_id = ?", old[i].ID).Delete(&models.RundownItem{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Rundown{}).Error; err != nil {
			return err
		}
		return tx.Create(&rundown).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save rundown: %w", err)
	}

	s.hub.BroadcastExcept(roomChannel(roomID), "rundown:updated", events.Payload{"rundown": rundown}, s)
	return events.Payload{"rundownId": rundown.ID}, nil
}

// handleRundownSetCurrent advances the show to one item: the previous CURRENT
// item completes with its end time, the new one starts. Passing no itemId
// completes the running item without starting another.
func (s *Session) handleRundownSetCurrent(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		ItemID string `json:"itemId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	roomID := s.room()
	now := time.Now()
	var previousID string
	err := s.hub.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rundown models.Rundown
		err := tx.Where("room_id = ?", roomID).Order("created_at DESC").First(&rundown).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("room has no rundown")
		}
		if err != nil {
			return err
		}

		var current models.RundownItem
		err = tx.Where("rundown_id = ? AND status = ?", rundown.ID, models.ItemCurrent).First(&current).Error
		switch {
		case err == nil:
			previousID = current.ID
			if err := tx.Model(&current).Updates(map[string]any{
				"status":        models.ItemCompleted,
				"actual_end_at": now,
				"updated_at":    now,
			}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if req.ItemID == "" {
			return nil
		}

		var next models.RundownItem
		err = tx.Where("id = ? AND rundown_id = ?", req.ItemID, rundown.ID).First(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("rundown item not found")
		}
		if err != nil {
			return err
		}
		return tx.Model(&next).Updates(map[string]any{
			"status":          models.ItemCurrent,
			"actual_start_at": now,
			"updated_at":      now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	payload := events.Payload{"changedBy": s.participant()}
	if req.ItemID != "" {
		payload["itemId"] = req.ItemID
	}
	if previousID != "" {
		payload["previousItemId"] = previousID
	}
	s.hub.Broadcast(roomChannel(roomID), "rundown:current-changed", payload)
	return events.Payload{}, nil
}

func (s *Session) handleRundownGet(ctx context.Context) (events.Payload, error) {
	var rundown models.Rundown
	err := s.hub.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("room_id = ?", s.room()).
		Order("created_at DESC").
		First(&rundown).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return events.Payload{"rundown": nil}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rundown: %w", err)
	}
	return events.Payload{"rundown": rundown}, nil
}
