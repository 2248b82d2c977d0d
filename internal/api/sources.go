/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

type sourceCreateRequest struct {
	Name string            `json:"name"`
	Type models.SourceType `json:"type"`
	Mode models.SourceMode `json:"mode"`
	URL  string            `json:"url"`

	SRTStreamID   string `json:"srtStreamId"`
	SRTPassphrase string `json:"srtPassphrase"`
	SRTLatencyMs  int    `json:"srtLatencyMs"`
	RISTProfile   string `json:"ristProfile"`

	FrequencyHz float64 `json:"frequencyHz"`
}

type sourceUpdateRequest struct {
	Name *string `json:"name"`
	URL  *string `json:"url"`

	SRTStreamID   *string `json:"srtStreamId"`
	SRTPassphrase *string `json:"srtPassphrase"`
	SRTLatencyMs  *int    `json:"srtLatencyMs"`
	RISTProfile   *string `json:"ristProfile"`

	FrequencyHz *float64 `json:"frequencyHz"`
}

func validSourceType(t models.SourceType) bool {
	switch t {
	case models.SourceHTTPStream, models.SourceFile, models.SourceTone,
		models.SourceSilence, models.SourceSRTStream, models.SourceRISTStream:
		return true
	}
	return false
}

func (a *API) sourceInRoom(w http.ResponseWriter, r *http.Request, roomID string) (*models.AudioSource, bool) {
	sourceID := chi.URLParam(r, "sourceID")
	var src models.AudioSource
	err := a.db.WithContext(r.Context()).First(&src, "id = ? AND room_id = ?", sourceID, roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "source_not_found")
		return nil, false
	}
	if err != nil {
		a.logger.Error().Err(err).Str("source_id", sourceID).Msg("load source")
		writeError(w, http.StatusInternalServerError, "db_error")
		return nil, false
	}
	return &src, true
}

func (a *API) handleSourcesList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var sources []models.AudioSource
	err := a.db.WithContext(r.Context()).
		Where("room_id = ?", room.ID).
		Order("created_at ASC").
		Find(&sources).Error
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list sources")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (a *API) handleSourcesCreate(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var req sourceCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if !validSourceType(req.Type) {
		writeError(w, http.StatusBadRequest, "invalid_source_type")
		return
	}

	switch req.Type {
	case models.SourceHTTPStream, models.SourceFile:
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "url_required")
			return
		}
	case models.SourceTone:
		if req.FrequencyHz <= 0 {
			req.FrequencyHz = 440
		}
	case models.SourceSRTStream, models.SourceRISTStream:
		if req.Mode == "" {
			req.Mode = models.ModeListener
		}
		if req.Mode != models.ModeListener && req.Mode != models.ModeCaller {
			writeError(w, http.StatusBadRequest, "invalid_mode")
			return
		}
		if req.Mode == models.ModeCaller && req.URL == "" {
			writeError(w, http.StatusBadRequest, "url_required_for_caller")
			return
		}
	}

	src := models.AudioSource{
		ID:     uuid.NewString(),
		RoomID: room.ID,
		Name:   req.Name,
		Type:   req.Type,
		Mode:   req.Mode,
		URL:    req.URL,

		SRTStreamID:   req.SRTStreamID,
		SRTPassphrase: req.SRTPassphrase,
		SRTLatencyMs:  req.SRTLatencyMs,
		RISTProfile:   req.RISTProfile,

		FrequencyHz: req.FrequencyHz,

		PlaybackState:   models.PlaybackIdle,
		ConnectionState: models.ConnIdle,
	}

	if err := a.db.WithContext(r.Context()).Create(&src).Error; err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("create source")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventSourceUpdated, events.Payload{"room_id": room.ID, "source_id": src.ID})
	writeJSON(w, http.StatusCreated, src)
}

func (a *API) handleSourcesGet(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	src, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (a *API) handleSourcesUpdate(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	src, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}

	var req sourceUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.URL != nil {
		updates["url"] = *req.URL
	}
	if req.SRTStreamID != nil {
		updates["srt_stream_id"] = *req.SRTStreamID
	}
	if req.SRTPassphrase != nil {
		updates["srt_passphrase"] = *req.SRTPassphrase
	}
	if req.SRTLatencyMs != nil {
		updates["srt_latency_ms"] = *req.SRTLatencyMs
	}
	if req.RISTProfile != nil {
		updates["rist_profile"] = *req.RISTProfile
	}
	if req.FrequencyHz != nil {
		updates["frequency_hz"] = *req.FrequencyHz
	}

	if len(updates) > 0 {
		err := a.db.WithContext(r.Context()).Model(&models.AudioSource{}).
			Where("id = ?", src.ID).
			Updates(updates).Error
		if err != nil {
			a.logger.Error().Err(err).Str("source_id", src.ID).Msg("update source")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		a.bus.Publish(events.EventSourceUpdated, events.Payload{"room_id": room.ID, "source_id": src.ID})
	}

	fresh, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (a *API) handleSourcesDelete(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	src, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}

	// Stop any running ingest child before the row disappears.
	if err := a.sources.StopSource(r.Context(), src.ID); err != nil {
		a.logger.Warn().Err(err).Str("source_id", src.ID).Msg("stop source before delete")
	}

	if err := a.db.WithContext(r.Context()).Delete(&models.AudioSource{}, "id = ?", src.ID).Error; err != nil {
		a.logger.Error().Err(err).Str("source_id", src.ID).Msg("delete source")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventSourceDeleted, events.Payload{"room_id": room.ID, "source_id": src.ID})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleSourcesStart(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	src, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}

	if err := a.sources.StartSource(r.Context(), src.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true})
}

func (a *API) handleSourcesStop(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	src, ok := a.sourceInRoom(w, r, room.ID)
	if !ok {
		return
	}

	if err := a.sources.StopSource(r.Context(), src.ID); err != nil {
		a.logger.Error().Err(err).Str("source_id", src.ID).Msg("stop source")
		writeError(w, http.StatusInternalServerError, "stop_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}
