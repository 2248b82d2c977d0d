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

type outputCreateRequest struct {
	Name       string             `json:"name"`
	Type       models.OutputType  `json:"type"`
	Codec      models.OutputCodec `json:"codec"`
	Bitrate    int                `json:"bitrate"`
	SampleRate int                `json:"sampleRate"`
	Channels   int                `json:"channels"`
	BusRouting map[string]float64 `json:"busRouting"`

	IcecastHost        string `json:"icecastHost"`
	IcecastPort        int    `json:"icecastPort"`
	IcecastMount       string `json:"icecastMount"`
	IcecastUser        string `json:"icecastUser"`
	IcecastPassword    string `json:"icecastPassword"`
	IcecastName        string `json:"icecastName"`
	IcecastDescription string `json:"icecastDescription"`
	IcecastGenre       string `json:"icecastGenre"`
	IcecastURL         string `json:"icecastUrl"`
	IcecastPublic      bool   `json:"icecastPublic"`

	SRTHost       string `json:"srtHost"`
	SRTPort       int    `json:"srtPort"`
	SRTMode       string `json:"srtMode"`
	SRTStreamID   string `json:"srtStreamId"`
	SRTPassphrase string `json:"srtPassphrase"`
	SRTLatencyMs  int    `json:"srtLatencyMs"`
}

type outputUpdateRequest struct {
	Name       *string             `json:"name"`
	Codec      *models.OutputCodec `json:"codec"`
	Bitrate    *int                `json:"bitrate"`
	SampleRate *int                `json:"sampleRate"`
	Channels   *int                `json:"channels"`
	BusRouting map[string]float64  `json:"busRouting"`

	IcecastHost     *string `json:"icecastHost"`
	IcecastPort     *int    `json:"icecastPort"`
	IcecastMount    *string `json:"icecastMount"`
	IcecastUser     *string `json:"icecastUser"`
	IcecastPassword *string `json:"icecastPassword"`

	SRTHost       *string `json:"srtHost"`
	SRTPort       *int    `json:"srtPort"`
	SRTStreamID   *string `json:"srtStreamId"`
	SRTPassphrase *string `json:"srtPassphrase"`
	SRTLatencyMs  *int    `json:"srtLatencyMs"`
}

func validOutputType(t models.OutputType) bool {
	switch t {
	case models.OutputIcecast, models.OutputSRT, models.OutputFileRecording:
		return true
	}
	return false
}

func validOutputCodec(c models.OutputCodec) bool {
	switch c {
	case models.CodecMP3, models.CodecAAC, models.CodecOpus:
		return true
	}
	return false
}

// validBusRouting rejects unknown bus names and gains outside [0,1].
func validBusRouting(routing map[string]float64) bool {
	known := make(map[string]struct{}, 6)
	for _, name := range models.BusNames() {
		known[name] = struct{}{}
	}
	for bus, gain := range routing {
		if _, ok := known[bus]; !ok {
			return false
		}
		if gain < 0 || gain > 1 {
			return false
		}
	}
	return true
}

// outputInRoom loads an output and insists it belongs to the room from the
// URL, so ids cannot be guessed across rooms.
func (a *API) outputInRoom(w http.ResponseWriter, r *http.Request, roomID string) (*models.AudioOutput, bool) {
	outputID := chi.URLParam(r, "outputID")
	var out models.AudioOutput
	err := a.db.WithContext(r.Context()).First(&out, "id = ? AND room_id = ?", outputID, roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "output_not_found")
		return nil, false
	}
	if err != nil {
		a.logger.Error().Err(err).Str("output_id", outputID).Msg("load output")
		writeError(w, http.StatusInternalServerError, "db_error")
		return nil, false
	}
	return &out, true
}

func (a *API) handleOutputsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var outputs []models.AudioOutput
	err := a.db.WithContext(r.Context()).
		Where("room_id = ?", room.ID).
		Order("created_at ASC").
		Find(&outputs).Error
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list outputs")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (a *API) handleOutputsCreate(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var req outputCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if !validOutputType(req.Type) {
		writeError(w, http.StatusBadRequest, "invalid_output_type")
		return
	}
	if req.Codec == "" {
		req.Codec = models.CodecMP3
	}
	if !validOutputCodec(req.Codec) {
		writeError(w, http.StatusBadRequest, "invalid_codec")
		return
	}
	if req.BusRouting == nil {
		req.BusRouting = map[string]float64{models.BusPGM: 1.0}
	}
	if !validBusRouting(req.BusRouting) {
		writeError(w, http.StatusBadRequest, "invalid_bus_routing")
		return
	}
	if req.Type == models.OutputIcecast && (req.IcecastHost == "" || req.IcecastMount == "") {
		writeError(w, http.StatusBadRequest, "icecast_host_and_mount_required")
		return
	}
	if req.Type == models.OutputSRT && req.SRTHost == "" {
		writeError(w, http.StatusBadRequest, "srt_host_required")
		return
	}
	if req.Bitrate <= 0 {
		req.Bitrate = 128
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 48000
	}
	if req.Channels <= 0 {
		req.Channels = 2
	}

	out := models.AudioOutput{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		Name:       req.Name,
		Type:       req.Type,
		Codec:      req.Codec,
		Bitrate:    req.Bitrate,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		BusRouting: req.BusRouting,

		IcecastHost:        req.IcecastHost,
		IcecastPort:        req.IcecastPort,
		IcecastMount:       req.IcecastMount,
		IcecastUser:        req.IcecastUser,
		IcecastPassword:    req.IcecastPassword,
		IcecastName:        req.IcecastName,
		IcecastDescription: req.IcecastDescription,
		IcecastGenre:       req.IcecastGenre,
		IcecastURL:         req.IcecastURL,
		IcecastPublic:      req.IcecastPublic,

		SRTHost:       req.SRTHost,
		SRTPort:       req.SRTPort,
		SRTMode:       req.SRTMode,
		SRTStreamID:   req.SRTStreamID,
		SRTPassphrase: req.SRTPassphrase,
		SRTLatencyMs:  req.SRTLatencyMs,
	}

	if err := a.db.WithContext(r.Context()).Create(&out).Error; err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("create output")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventOutputUpdated, events.Payload{"room_id": room.ID, "output_id": out.ID})
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleOutputsGet(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	out, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleOutputsUpdate(w http.ResponseWriter, r *http.Request) {
	room, claims, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	out, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}

	var req outputUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Codec != nil {
		if !validOutputCodec(*req.Codec) {
			writeError(w, http.StatusBadRequest, "invalid_codec")
			return
		}
		updates["codec"] = *req.Codec
	}
	if req.Bitrate != nil {
		updates["bitrate"] = *req.Bitrate
	}
	if req.SampleRate != nil {
		updates["sample_rate"] = *req.SampleRate
	}
	if req.Channels != nil {
		updates["channels"] = *req.Channels
	}
	if req.IcecastHost != nil {
		updates["icecast_host"] = *req.IcecastHost
	}
	if req.IcecastPort != nil {
		updates["icecast_port"] = *req.IcecastPort
	}
	if req.IcecastMount != nil {
		updates["icecast_mount"] = *req.IcecastMount
	}
	if req.IcecastUser != nil {
		updates["icecast_user"] = *req.IcecastUser
	}
	if req.IcecastPassword != nil {
		updates["icecast_password"] = *req.IcecastPassword
	}
	if req.SRTHost != nil {
		updates["srt_host"] = *req.SRTHost
	}
	if req.SRTPort != nil {
		updates["srt_port"] = *req.SRTPort
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

	if len(updates) > 0 {
		err := a.db.WithContext(r.Context()).Model(&models.AudioOutput{}).
			Where("id = ?", out.ID).
			Updates(updates).Error
		if err != nil {
			a.logger.Error().Err(err).Str("output_id", out.ID).Msg("update output")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		a.bus.Publish(events.EventOutputUpdated, events.Payload{"room_id": room.ID, "output_id": out.ID})
	}

	// Routing changes go through the supervisor so a running encoder is
	// restarted with the new mix.
	if req.BusRouting != nil {
		if !validBusRouting(req.BusRouting) {
			writeError(w, http.StatusBadRequest, "invalid_bus_routing")
			return
		}
		if err := a.outputs.UpdateBusLevels(r.Context(), out.ID, req.BusRouting, claims.UserID); err != nil {
			a.logger.Error().Err(err).Str("output_id", out.ID).Msg("update bus routing")
			writeError(w, http.StatusInternalServerError, "update_failed")
			return
		}
	}

	fresh, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (a *API) handleOutputsDelete(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	out, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}

	// Stop any running encoder before the row disappears.
	if err := a.outputs.StopOutput(r.Context(), out.ID); err != nil {
		a.logger.Warn().Err(err).Str("output_id", out.ID).Msg("stop output before delete")
	}

	if err := a.db.WithContext(r.Context()).Delete(&models.AudioOutput{}, "id = ?", out.ID).Error; err != nil {
		a.logger.Error().Err(err).Str("output_id", out.ID).Msg("delete output")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventOutputDeleted, events.Payload{"room_id": room.ID, "output_id": out.ID})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleOutputsEnable(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	out, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}

	err := a.db.WithContext(r.Context()).Model(&models.AudioOutput{}).
		Where("id = ?", out.ID).
		Updates(map[string]any{"is_enabled": true, "error_message": "", "retry_count": 0}).Error
	if err != nil {
		a.logger.Error().Err(err).Str("output_id", out.ID).Msg("enable output")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	a.bus.Publish(events.EventOutputUpdated, events.Payload{"room_id": room.ID, "output_id": out.ID})

	if err := a.outputs.StartOutput(r.Context(), out.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) handleOutputsDisable(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	out, ok := a.outputInRoom(w, r, room.ID)
	if !ok {
		return
	}

	err := a.db.WithContext(r.Context()).Model(&models.AudioOutput{}).
		Where("id = ?", out.ID).
		Update("is_enabled", false).Error
	if err != nil {
		a.logger.Error().Err(err).Str("output_id", out.ID).Msg("disable output")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	a.bus.Publish(events.EventOutputUpdated, events.Payload{"room_id": room.ID, "output_id": out.ID})

	if err := a.outputs.StopOutput(r.Context(), out.ID); err != nil {
		a.logger.Error().Err(err).Str("output_id", out.ID).Msg("stop output")
		writeError(w, http.StatusInternalServerError, "stop_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}
