/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a credential check fails.
var ErrPasswordMismatch = errors.New("credential mismatch")

// HashPassword hashes a user password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against its stored hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// HashAccessCode hashes a room access code. Access codes are short shared
// secrets, so they get the same cost treatment as passwords.
func HashAccessCode(code string) (string, error) {
	return HashPassword(code)
}

// CheckAccessCode verifies a room access code against its stored hash.
func CheckAccessCode(hash, code string) error {
	return CheckPassword(hash, code)
}
