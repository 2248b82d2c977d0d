/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/friendsincode/hermod_studio/internal/audit"
	"github.com/friendsincode/hermod_studio/internal/logbuffer"
	"github.com/friendsincode/hermod_studio/internal/models"
)

// auditLogResponse is the JSON shape for one audit entry.
type auditLogResponse struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      *string        `json:"actorId,omitempty"`
	ActorName    string         `json:"actorName,omitempty"`
	ActorEmail   string         `json:"actorEmail,omitempty"`
	RoomID       *string        `json:"roomId,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
}

// handleAuditList returns a paginated list of audit entries, newest first.
func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	filters := parseAuditFilters(r)

	logs, total, err := a.auditSvc.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Msg("query audit logs")
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}

	response := make([]auditLogResponse, len(logs))
	for i, entry := range logs {
		response[i] = toAuditLogResponse(entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auditLogs": response,
		"total":     total,
		"limit":     filters.Limit,
		"offset":    filters.Offset,
	})
}

// parseAuditFilters extracts query filters from the request.
func parseAuditFilters(r *http.Request) audit.QueryFilters {
	filters := audit.QueryFilters{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if filters.Limit < 1 || filters.Limit > 1000 {
		filters.Limit = 100
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	if actorID := r.URL.Query().Get("actor_id"); actorID != "" {
		filters.ActorID = &actorID
	}
	if roomID := r.URL.Query().Get("room_id"); roomID != "" {
		filters.RoomID = &roomID
	}
	if action := r.URL.Query().Get("action"); action != "" {
		act := models.AuditAction(action)
		filters.Action = &act
	}
	if t, ok := queryTime(r, "start_time"); ok {
		filters.StartTime = &t
	}
	if t, ok := queryTime(r, "end_time"); ok {
		filters.EndTime = &t
	}

	return filters
}

func toAuditLogResponse(entry models.AuditLog) auditLogResponse {
	return auditLogResponse{
		ID:           entry.ID,
		Timestamp:    entry.Timestamp,
		ActorID:      entry.ActorID,
		ActorName:    entry.ActorName,
		ActorEmail:   entry.ActorEmail,
		RoomID:       entry.RoomID,
		Action:       string(entry.Action),
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
	}
}

// handleSystemLogs serves recent log entries from the in-memory ring.
func (a *API) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	params := logbuffer.QueryParams{
		Level:      r.URL.Query().Get("level"),
		Component:  r.URL.Query().Get("component"),
		RoomID:     r.URL.Query().Get("room_id"),
		Search:     r.URL.Query().Get("search"),
		Limit:      queryInt(r, "limit", 500),
		Descending: r.URL.Query().Get("order") != "asc",
	}
	if since, ok := queryTime(r, "since"); ok {
		params.Since = since
	}

	entries := a.logBuffer.Query(params)

	// Resolve room names so the log view can label entries without a second
	// round trip.
	roomIDs := make(map[string]bool)
	for _, entry := range entries {
		if id, ok := entry.Fields["room_id"].(string); ok && id != "" {
			roomIDs[id] = true
		}
	}
	roomNames := make(map[string]string)
	if len(roomIDs) > 0 {
		ids := make([]string, 0, len(roomIDs))
		for id := range roomIDs {
			ids = append(ids, id)
		}
		var list []models.Room
		a.db.WithContext(r.Context()).Select("id", "name").Where("id IN ?", ids).Find(&list)
		for _, room := range list {
			roomNames[room.ID] = room.Name
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"count":     len(entries),
		"roomNames": roomNames,
	})
}

// handleSystemLogStats summarizes ring buffer contents by level, optionally
// scoped to one room.
func (a *API) handleSystemLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	if roomID := r.URL.Query().Get("room_id"); roomID != "" {
		writeJSON(w, http.StatusOK, a.logBuffer.StatsForRoom(roomID))
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}
