/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/hermod_studio/internal/db"
	"github.com/friendsincode/hermod_studio/internal/models"
)

var (
	resetForce       bool
	resetDeleteMedia bool
	resetKeepUsers   int
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database and optionally delete recording artifacts",
	Long: `Reset Hermod Studio to a fresh state.

This command will:
- Drop all tables from the database (except optionally preserved users)
- Re-create empty tables
- Optionally delete all locally stored recording files

WARNING: This action is irreversible! All data will be lost.

Examples:
  # Interactive reset (will prompt for confirmation)
  hermodstudio reset

  # Force reset without confirmation
  hermodstudio reset --force

  # Reset and delete all local recording files
  hermodstudio reset --force --delete-media

  # Reset but keep up to 3 admin users
  hermodstudio reset --force --keep-users=3
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDeleteMedia, "delete-media", false, "Also delete locally stored recording files")
	resetCmd.Flags().IntVar(&resetKeepUsers, "keep-users", 0, "Number of admin users to preserve (0 = delete all)")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// Confirmation prompt
	if !resetForce {
		fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
		fmt.Println("║                        WARNING                               ║")
		fmt.Println("╠══════════════════════════════════════════════════════════════╣")
		fmt.Println("║  This will DELETE ALL DATA from Hermod Studio:               ║")
		fmt.Println("║                                                              ║")
		if resetKeepUsers > 0 {
			fmt.Printf("║  • All users EXCEPT the first %d admin user(s)               ║\n", resetKeepUsers)
		} else {
			fmt.Println("║  • All users and accounts                                    ║")
		}
		fmt.Println("║  • All rooms, green rooms, and invites                       ║")
		fmt.Println("║  • All outputs, ingest sources, and WHIP streams             ║")
		fmt.Println("║  • All recordings, rundowns, cues, and chat history          ║")
		if resetDeleteMedia {
			fmt.Println("║  • ALL LOCALLY STORED RECORDING FILES                        ║")
		}
		fmt.Println("║                                                              ║")
		fmt.Println("║  This action CANNOT be undone!                               ║")
		fmt.Println("╚══════════════════════════════════════════════════════════════╝")
		fmt.Println()

		fmt.Print("Type 'yes' to confirm reset: ")
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	logger.Info().
		Bool("delete_media", resetDeleteMedia).
		Int("keep_users", resetKeepUsers).
		Msg("Starting database reset")

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	// Get the underlying SQL DB to close it later
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	defer sqlDB.Close()

	// If keeping users, preserve them first
	var preservedUsers []models.User
	if resetKeepUsers > 0 {
		logger.Info().Int("count", resetKeepUsers).Msg("Preserving admin users")

		// Get platform admins first, then any other users if needed
		database.Where("platform_role = ?", models.PlatformRoleAdmin).
			Order("created_at ASC").
			Limit(resetKeepUsers).
			Find(&preservedUsers)

		// If we don't have enough admins, get other users
		if len(preservedUsers) < resetKeepUsers {
			remaining := resetKeepUsers - len(preservedUsers)
			var ids []string
			for _, u := range preservedUsers {
				ids = append(ids, u.ID)
			}

			var moreUsers []models.User
			query := database.Order("created_at ASC").Limit(remaining)
			if len(ids) > 0 {
				query = query.Where("id NOT IN ?", ids)
			}
			query.Find(&moreUsers)
			preservedUsers = append(preservedUsers, moreUsers...)
		}

		for _, u := range preservedUsers {
			logger.Info().
				Str("user_id", u.ID).
				Str("email", u.Email).
				Str("role", string(u.PlatformRole)).
				Msg("Preserving user")
		}
	}

	// Drop all tables in reverse order of dependencies
	tables := []interface{}{
		// Room production resources
		&models.RoomTimer{},
		&models.ChatMessage{},
		&models.IFBSession{},
		&models.TalkbackGroupMember{},
		&models.TalkbackGroup{},
		&models.RundownItem{},
		&models.Rundown{},
		&models.RoomCue{},

		// Media resources
		&models.Recording{},
		&models.WHIPStream{},
		&models.AudioSource{},
		&models.AudioOutput{},

		// Membership, invites, and audit
		&models.ParticipantSession{},
		&models.RoomInvite{},
		&models.Participant{},
		&models.Room{},
		&models.AuditLog{},
		&models.APIKey{},

		// Accounts last
		&models.User{},
		&models.Organization{},
	}

	logger.Info().Msg("Dropping all tables")
	for _, table := range tables {
		if err := database.Migrator().DropTable(table); err != nil {
			// Log but continue - table might not exist
			logger.Debug().Err(err).Msgf("drop table (may not exist)")
		}
	}

	// Delete recording files if requested
	if resetDeleteMedia && cfg.MediaRoot != "" {
		logger.Info().Str("path", cfg.MediaRoot).Msg("Deleting recording files...")

		// Walk through and delete all files under the media root
		err := filepath.Walk(cfg.MediaRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			// Don't delete the root directory itself
			if path == cfg.MediaRoot {
				return nil
			}
			// Delete files and empty directories
			if !info.IsDir() {
				if err := os.Remove(path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("failed to delete file")
				}
			}
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("error walking media directory")
		}

		// Clean up empty directories
		cleanEmptyDirs(cfg.MediaRoot)
		logger.Info().Msg("Recording files deleted")
	}

	// Re-create tables
	logger.Info().Msg("Creating fresh database schema")
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// Restore preserved users
	if len(preservedUsers) > 0 {
		logger.Info().Int("count", len(preservedUsers)).Msg("Restoring preserved users")
		for _, u := range preservedUsers {
			// Keep original CreatedAt, set UpdatedAt to match
			u.UpdatedAt = u.CreatedAt

			if err := database.Create(&u).Error; err != nil {
				logger.Error().Err(err).Str("email", u.Email).Msg("failed to restore user")
			} else {
				logger.Info().
					Str("user_id", u.ID).
					Str("email", u.Email).
					Msg("User restored")
			}
		}
	}

	logger.Info().Msg("Reset complete")
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Reset Complete!                           ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Hermod Studio has been reset to a fresh state.              ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Next steps:                                                 ║")
	fmt.Println("║  1. Start the server: hermodstudio serve                     ║")
	fmt.Println("║  2. Register the first account via POST /api/v1/auth/register║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	return nil
}

// cleanEmptyDirs removes empty directories recursively
func cleanEmptyDirs(root string) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == root {
			return nil
		}

		// Check if directory is empty
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}

		if len(entries) == 0 {
			os.Remove(path)
		}
		return nil
	})
}
