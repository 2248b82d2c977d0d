/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api is the REST façade over the room, egress, ingest, and
// recording services. Handlers stay thin: validate the request, call the
// service, render JSON. Live state changes travel over the session bus, not
// through this package; CRUD here publishes the matching bus events so open
// sessions see updates.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/analytics"
	"github.com/friendsincode/hermod_studio/internal/audit"
	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/egress"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/ingest"
	"github.com/friendsincode/hermod_studio/internal/logbuffer"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/recordings"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	rooms     *rooms.Service
	outputs   *egress.Supervisor
	sources   *ingest.Supervisor
	whip      *ingest.WHIPService
	recorder  *recordings.Service
	auditSvc  *audit.Service
	sessions  *analytics.SessionAnalyticsService
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, roomSvc *rooms.Service, outputs *egress.Supervisor, sources *ingest.Supervisor, whip *ingest.WHIPService, recorder *recordings.Service, auditSvc *audit.Service, sessions *analytics.SessionAnalyticsService, bus *events.Bus, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		rooms:     roomSvc,
		outputs:   outputs,
		sources:   sources,
		whip:      whip,
		recorder:  recorder,
		auditSvc:  auditSvc,
		sessions:  sessions,
		bus:       bus,
		logBuffer: logBuf,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	// WHIP HTTP verbs live outside /api/v1: encoders speak the WHIP
	// protocol directly and authenticate with the stream bearer token.
	r.Post("/whip", a.handleWHIPPublish)
	r.Delete("/whip/{streamID}", a.handleWHIPUnpublish)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Public endpoints (no auth required)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/register", a.handleRegister)
		r.Get("/public/rooms", a.handlePublicRooms)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Route("/auth/keys", func(r chi.Router) {
				r.Get("/", a.handleAPIKeysList)
				r.Post("/", a.handleAPIKeysCreate)
				r.Delete("/{keyID}", a.handleAPIKeysRevoke)
			})

			pr.Route("/rooms", func(r chi.Router) {
				r.Get("/", a.handleRoomsList)
				r.Post("/", a.handleRoomsCreate)
				r.Route("/{roomID}", func(r chi.Router) {
					r.Get("/", a.handleRoomsGet)
					r.Patch("/", a.handleRoomsUpdate)
					r.Post("/close", a.handleRoomsClose)
					r.Get("/participants", a.handleParticipantsList)
					r.Get("/green-rooms", a.handleGreenRoomsList)

					r.Route("/invites", func(r chi.Router) {
						r.Get("/", a.handleInvitesList)
						r.Post("/", a.handleInvitesCreate)
					})

					r.Route("/outputs", func(r chi.Router) {
						r.Get("/", a.handleOutputsList)
						r.Post("/", a.handleOutputsCreate)
						r.Route("/{outputID}", func(r chi.Router) {
							r.Get("/", a.handleOutputsGet)
							r.Patch("/", a.handleOutputsUpdate)
							r.Delete("/", a.handleOutputsDelete)
							r.Post("/enable", a.handleOutputsEnable)
							r.Post("/disable", a.handleOutputsDisable)
						})
					})

					r.Route("/sources", func(r chi.Router) {
						r.Get("/", a.handleSourcesList)
						r.Post("/", a.handleSourcesCreate)
						r.Route("/{sourceID}", func(r chi.Router) {
							r.Get("/", a.handleSourcesGet)
							r.Patch("/", a.handleSourcesUpdate)
							r.Delete("/", a.handleSourcesDelete)
							r.Post("/start", a.handleSourcesStart)
							r.Post("/stop", a.handleSourcesStop)
						})
					})

					r.Route("/whip-streams", func(r chi.Router) {
						r.Get("/", a.handleWHIPStreamsList)
						r.Post("/", a.handleWHIPStreamsCreate)
						r.Delete("/{streamID}", a.handleWHIPStreamsDelete)
					})

					r.Route("/recordings", func(r chi.Router) {
						r.Get("/", a.handleRecordingsList)
						r.Get("/{recordingID}", a.handleRecordingsGet)
						r.Get("/{recordingID}/download", a.handleRecordingsDownload)
					})

					r.Route("/analytics", func(r chi.Router) {
						r.Get("/sessions", a.handleRoomSessionsList)
						r.Get("/stats", a.handleRoomStats)
					})
				})
			})

			// Invite acceptance works on the token, not the room id.
			pr.Post("/invites/accept", a.handleInvitesAccept)

			// Platform administration
			pr.Group(func(ar chi.Router) {
				ar.Use(a.requireAdmin())
				ar.Get("/audit", a.handleAuditList)
				ar.Get("/system/logs", a.handleSystemLogs)
				ar.Get("/system/logs/stats", a.handleSystemLogStats)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.db, a.jwtSecret)
}

// requireAdmin gates a route group to platform administrators.
func (a *API) requireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !isAdmin(claims) {
				writeError(w, http.StatusForbidden, "admin_required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAdmin(claims *auth.Claims) bool {
	return claims.HasRole("admin") || claims.HasRole(string(models.PlatformRoleAdmin))
}

// requireRoomAccess loads the room and checks that the caller may manage it:
// platform admins, the creator, and members of the owning organization pass.
func (a *API) requireRoomAccess(w http.ResponseWriter, r *http.Request) (*models.Room, *auth.Claims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}

	roomID := chi.URLParam(r, "roomID")
	room, err := a.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room_not_found")
		} else {
			a.logger.Error().Err(err).Str("room_id", roomID).Msg("load room")
			writeError(w, http.StatusInternalServerError, "db_error")
		}
		return nil, nil, false
	}

	if !canManageRoom(claims, room) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, nil, false
	}
	return room, claims, true
}

func canManageRoom(claims *auth.Claims, room *models.Room) bool {
	if isAdmin(claims) {
		return true
	}
	if room.CreatedByID != "" && room.CreatedByID == claims.UserID {
		return true
	}
	return room.OrganizationID != "" && room.OrganizationID == claims.OrgID
}

// decodeJSON reads the request body into dst, limiting the body size so a
// misbehaving client cannot buffer unbounded JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
