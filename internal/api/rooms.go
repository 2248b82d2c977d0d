/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

func (a *API) handlePublicRooms(w http.ResponseWriter, r *http.Request) {
	list, err := a.rooms.ListPublicRooms(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("list public rooms")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": list})
}

func (a *API) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	filter := rooms.ListRoomsFilter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	// Admins see every room; everyone else sees their own plus their
	// organization's.
	if !isAdmin(claims) {
		if claims.OrgID != "" {
			filter.OrganizationID = claims.OrgID
		} else {
			filter.CreatedByID = claims.UserID
		}
	}

	list, err := a.rooms.ListRooms(r.Context(), filter)
	if err != nil {
		a.logger.Error().Err(err).Msg("list rooms")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": list})
}

func (a *API) handleRoomsCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var in rooms.CreateRoomInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.CreatedByID = claims.UserID
	in.OrganizationID = claims.OrgID

	room, err := a.rooms.CreateRoom(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) handleRoomsGet(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (a *API) handleRoomsUpdate(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var in rooms.UpdateRoomInput
	if !decodeJSON(w, r, &in) {
		return
	}

	updated, err := a.rooms.UpdateRoom(r.Context(), room.ID, in)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("update room")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleRoomsClose(w http.ResponseWriter, r *http.Request) {
	room, claims, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	if err := a.rooms.CloseRoom(r.Context(), room.ID, claims.UserID); err != nil {
		if errors.Is(err, rooms.ErrRoomClosed) {
			writeError(w, http.StatusConflict, "room_already_closed")
			return
		}
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("close room")
		writeError(w, http.StatusInternalServerError, "close_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true})
}

func (a *API) handleParticipantsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	connectedOnly := r.URL.Query().Get("connected") == "true"
	list, err := a.rooms.ListParticipants(r.Context(), room.ID, connectedOnly)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list participants")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": list})
}

func (a *API) handleGreenRoomsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	list, err := a.rooms.ListGreenRooms(r.Context(), room.ID)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list green rooms")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"greenRooms": list})
}

type inviteCreateRequest struct {
	Email    string                 `json:"email"`
	Role     models.ParticipantRole `json:"role"`
	TTLHours int                    `json:"ttlHours"`
}

func (a *API) handleInvitesList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var invites []models.RoomInvite
	err := a.db.WithContext(r.Context()).
		Where("room_id = ?", room.ID).
		Order("created_at DESC").
		Find(&invites).Error
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list invites")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (a *API) handleInvitesCreate(w http.ResponseWriter, r *http.Request) {
	room, claims, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var req inviteCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var ttl time.Duration
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	invite, err := a.rooms.CreateInvite(r.Context(), rooms.CreateInviteInput{
		RoomID:      room.ID,
		Email:       req.Email,
		Role:        req.Role,
		CreatedByID: claims.UserID,
		TTL:         ttl,
	})
	if err != nil {
		if errors.Is(err, rooms.ErrRoomClosed) {
			writeError(w, http.StatusConflict, "room_closed")
			return
		}
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("create invite")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, invite)
}

type inviteAcceptRequest struct {
	Token string `json:"token"`
}

func (a *API) handleInvitesAccept(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req inviteAcceptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token_required")
		return
	}

	invite, err := a.rooms.AcceptInvite(r.Context(), req.Token, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrInviteNotFound):
			writeError(w, http.StatusNotFound, "invite_not_found")
		case errors.Is(err, rooms.ErrInviteExpired):
			writeError(w, http.StatusGone, "invite_expired")
		case errors.Is(err, rooms.ErrInviteUsed):
			writeError(w, http.StatusConflict, "invite_already_accepted")
		default:
			a.logger.Error().Err(err).Msg("accept invite")
			writeError(w, http.StatusInternalServerError, "db_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, invite)
}
