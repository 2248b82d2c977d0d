/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/models"
)

// sessionTokenTTL is the lifetime of tokens issued by login/register. Room
// join tokens issued elsewhere carry their own, shorter TTL.
const sessionTokenTTL = 24 * time.Hour

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  userPayload `json:"user"`
}

type userPayload struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PlatformRole string `json:"platformRole"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email_and_password_required")
		return
	}

	var user models.User
	err := a.db.WithContext(r.Context()).First(&user, "email = ?", req.Email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("login lookup")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if user.Suspended {
		writeError(w, http.StatusForbidden, "account_suspended")
		return
	}

	a.issueSession(w, &user)
}

// handleRegister creates an account. The first account on a fresh install
// becomes the platform administrator; everyone after that is a regular user.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid_email_required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Email
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.logger.Error().Err(err).Msg("hash password")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		PlatformRole: models.PlatformRoleUser,
	}

	err = a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			user.PlatformRole = models.PlatformRoleAdmin
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "email_taken")
			return
		}
		a.logger.Error().Err(err).Msg("create user")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.issueSession(w, &user)
}

func (a *API) issueSession(w http.ResponseWriter, user *models.User) {
	claims := auth.Claims{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Roles:       []string{strings.ToLower(string(user.PlatformRole))},
		OrgID:       user.OrganizationID,
	}
	token, err := auth.Issue(a.jwtSecret, claims, sessionTokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("issue token")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token: token,
		User: userPayload{
			ID:           user.ID,
			Email:        user.Email,
			DisplayName:  user.DisplayName,
			PlatformRole: string(user.PlatformRole),
		},
	})
}

// isUniqueViolation matches duplicate-key failures across the supported
// database backends without importing their driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}

type apiKeyCreateRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expiresInDays"`
}

func (a *API) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	keys, err := auth.ListAPIKeys(a.db, claims.UserID)
	if err != nil {
		a.logger.Error().Err(err).Msg("list api keys")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleAPIKeysCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req apiKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if req.ExpiresInDays <= 0 {
		req.ExpiresInDays = 90
	}

	plaintext, key, err := auth.GenerateAPIKey(claims.UserID, req.Name, time.Duration(req.ExpiresInDays)*24*time.Hour)
	if err != nil {
		a.logger.Error().Err(err).Msg("generate api key")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := a.db.WithContext(r.Context()).Create(key).Error; err != nil {
		a.logger.Error().Err(err).Msg("store api key")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	// The plaintext key is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       plaintext,
		"id":        key.ID,
		"name":      key.Name,
		"prefix":    key.KeyPrefix,
		"expiresAt": key.ExpiresAt,
	})
}

func (a *API) handleAPIKeysRevoke(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	keyID := chi.URLParam(r, "keyID")

	if err := auth.RevokeAPIKey(a.db, keyID, claims.UserID); err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found")
			return
		}
		a.logger.Error().Err(err).Msg("revoke api key")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
