/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/hermod_studio/internal/ingest"
)

// maxSDPBytes bounds a WHIP offer body. Real SDP offers are a few KB.
const maxSDPBytes = 256 << 10

type whipStreamCreateRequest struct {
	Name string `json:"name"`
}

func (a *API) handleWHIPStreamsList(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	streams, err := a.whip.ListStreams(r.Context(), room.ID)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("list whip streams")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (a *API) handleWHIPStreamsCreate(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	var req whipStreamCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}

	stream, err := a.whip.CreateStream(r.Context(), room.ID, req.Name)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("create whip stream")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	// The bearer token is shown exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]any{
		"stream":      stream,
		"bearerToken": stream.BearerToken,
		"endpoint":    "/whip",
	})
}

func (a *API) handleWHIPStreamsDelete(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.requireRoomAccess(w, r)
	if !ok {
		return
	}

	streamID := chi.URLParam(r, "streamID")
	stream, err := a.whip.GetStream(r.Context(), streamID)
	if err != nil || stream.RoomID != room.ID {
		writeError(w, http.StatusNotFound, "stream_not_found")
		return
	}

	if err := a.whip.DeleteStream(r.Context(), streamID); err != nil {
		a.logger.Error().Err(err).Str("stream_id", streamID).Msg("delete whip stream")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleWHIPPublish is the WHIP endpoint itself: an SDP offer arrives with
// the stream's bearer token, the answer goes back with 201 and a Location
// the publisher later DELETEs to hang up.
func (a *API) handleWHIPPublish(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/sdp") {
		writeError(w, http.StatusUnsupportedMediaType, "application_sdp_required")
		return
	}

	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "bearer_token_required")
		return
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, maxSDPBytes))
	if err != nil || len(offer) == 0 {
		writeError(w, http.StatusBadRequest, "sdp_offer_required")
		return
	}

	answer, stream, err := a.whip.Connect(r.Context(), token, string(offer))
	if err != nil {
		if errors.Is(err, ingest.ErrWHIPTokenInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		a.logger.Error().Err(err).Msg("whip connect")
		writeError(w, http.StatusInternalServerError, "connect_failed")
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whip/"+stream.ID)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))
}

// handleWHIPUnpublish ends a WHIP session. The bearer token authenticates
// the hang-up, matching how the publish leg authenticated.
func (a *API) handleWHIPUnpublish(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "bearer_token_required")
		return
	}

	stream, err := a.whip.GetStream(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream_not_found")
		return
	}
	if stream.BearerToken != token {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	a.whip.HandleDisconnect(r.Context(), streamID)
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
