/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"
)

func (a *API) handleRoomSessionsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	sessions, err := a.sessions.RecentSessions(r.Context(), room.ID, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list sessions")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	since, ok := queryTime(r, "since")
	if !ok {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}

	stats, err := a.sessions.GetRoomStats(r.Context(), room.ID, since)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("room stats")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
