/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/recordings"
)

// Recordings are started and stopped over the session bus by the room host;
// REST only lists them and resolves download locations.

func (a *API) handleRecordingsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	recs, err := a.recorder.List(r.Context(), room.ID)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list recordings")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

func (a *API) handleRecordingsGet(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	rec, ok := a.recordingInRoom(w, r, room.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleRecordingsDownload(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	rec, ok := a.recordingInRoom(w, r, room.ID)
	if !ok {
		return
	}

	url, err := a.recorder.DownloadURL(r.Context(), rec.ID)
	if err != nil {
		if errors.Is(err, recordings.ErrRecordingNotActive) {
			writeError(w, http.StatusConflict, "recording_not_ready")
			return
		}
		a.logger.Error().Err(err).Str("recording_id", rec.ID).Msg("resolve download url")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (a *API) recordingInRoom(w http.ResponseWriter, r *http.Request, roomID string) (*models.Recording, bool) {
	recordingID := chi.URLParam(r, "recordingID")
	rec, err := a.recorder.Get(r.Context(), recordingID)
	if err != nil || rec.RoomID != roomID {
		writeError(w, http.StatusNotFound, "recording_not_found")
		return nil, false
	}
	return rec, true
}
