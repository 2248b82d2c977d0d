/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/hermod_studio/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Platform-level models
		&models.Organization{},
		&models.User{},
		&models.APIKey{},
		&models.AuditLog{},

		// Rooms and membership
		&models.Room{},
		&models.Participant{},
		&models.RoomInvite{},
		&models.ParticipantSession{},

		// Audio outputs and sources
		&models.AudioOutput{},
		&models.AudioSource{},
		&models.WHIPStream{},
		&models.Recording{},

		// Production tooling
		&models.RoomCue{},
		&models.Rundown{},
		&models.RundownItem{},
		&models.TalkbackGroup{},
		&models.TalkbackGroupMember{},
		&models.IFBSession{},
		&models.ChatMessage{},
		&models.RoomTimer{},
	); err != nil {
		return err
	}

	if err := applyPostgresCapacityGuard(database); err != nil {
		return err
	}
	if err := normalizeLegacyParticipantRoles(database); err != nil {
		return err
	}
	if err := migrateLegacyOutputCodecs(database); err != nil {
		return err
	}

	return nil
}

// migrateLegacyOutputCodecs rewrites raw ffmpeg encoder names stored by early
// deployments into the canonical codec identifiers.
func migrateLegacyOutputCodecs(database *gorm.DB) error {
	if err := database.Exec(
		"UPDATE audio_outputs SET codec = 'mp3' WHERE codec = 'libmp3lame'",
	).Error; err != nil {
		return fmt.Errorf("normalize legacy mp3 codec name: %w", err)
	}
	if err := database.Exec(
		"UPDATE audio_outputs SET codec = 'opus' WHERE codec = 'libopus'",
	).Error; err != nil {
		return fmt.Errorf("normalize legacy opus codec name: %w", err)
	}
	return nil
}

func applyPostgresCapacityGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_room_overadmission()
RETURNS trigger
LANGUAGE plpgsql
AS $$
DECLARE
  room_cap integer;
  admitted integer;
BEGIN
  IF NEW.is_in_waiting_room THEN
    RETURN NEW;
  END IF;

  SELECT max_participants INTO room_cap
  FROM rooms
  WHERE id = NEW.room_id;

  IF room_cap IS NULL OR room_cap <= 0 THEN
    RETURN NEW;
  END IF;

  SELECT COUNT(*) INTO admitted
  FROM participants p
  WHERE p.room_id = NEW.room_id
    AND p.id <> NEW.id
    AND p.left_at IS NULL
    AND NOT p.is_in_waiting_room;

  IF admitted >= room_cap THEN
    RAISE EXCEPTION 'room % is at capacity', NEW.room_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_room_overadmission ON participants;

CREATE TRIGGER trg_prevent_room_overadmission
BEFORE INSERT OR UPDATE OF room_id, is_in_waiting_room
ON participants
FOR EACH ROW
EXECUTE FUNCTION prevent_room_overadmission();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres capacity guard: %w", err)
	}

	return nil
}

func normalizeLegacyParticipantRoles(database *gorm.DB) error {
	if err := database.Exec("UPDATE participants SET role = ? WHERE LOWER(TRIM(role)) = ?", models.RoleHost, "host").Error; err != nil {
		return fmt.Errorf("normalize legacy host role: %w", err)
	}
	if err := database.Exec("UPDATE participants SET role = ? WHERE LOWER(TRIM(role)) IN ?", models.RoleModerator, []string{"mod", "moderator"}).Error; err != nil {
		return fmt.Errorf("normalize legacy moderator role: %w", err)
	}
	if err := database.Exec("UPDATE participants SET role = ? WHERE LOWER(TRIM(role)) IN ?", models.RoleListener, []string{"listener", "viewer"}).Error; err != nil {
		return fmt.Errorf("normalize legacy listener role: %w", err)
	}
	return nil
}
