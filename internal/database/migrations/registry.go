package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Default pipeline templates and encoding profile
// - 003: Active-assignment uniqueness guard on input_path
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002Defaults(),
		migration003AssignmentInputGuard(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				// Request intake
				&models.Request{},
				&models.ProcessingItem{},

				// Pipeline engine
				&models.PipelineTemplate{},
				&models.PipelineExecution{},

				// Encoder dispatch
				&models.EncodingProfile{},
				&models.EncoderAssignment{},
				&models.RemoteEncoder{},

				// Collaborator bookkeeping
				&models.Download{},
				&models.CircuitBreakerState{},
				&models.LibraryItem{},

				// Audit trail
				&models.ActivityLog{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop tables in reverse dependency order
			tables := []string{
				"activity_logs",
				"library_items",
				"circuit_breakers",
				"downloads",
				"remote_encoders",
				"encoder_assignments",
				"encoding_profiles",
				"pipeline_executions",
				"pipeline_templates",
				"processing_items",
				"requests",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002Defaults inserts the default pipeline templates and the default
// encoding profile. Installations customize by adding templates, not by
// editing these.
func migration002Defaults() Migration {
	return Migration{
		Version:     "002",
		Description: "Insert default pipeline templates and encoding profile",
		Up: func(tx *gorm.DB) error {
			if err := createDefaultEncodingProfile(tx); err != nil {
				return err
			}
			return createDefaultTemplates(tx)
		},
		Down: func(tx *gorm.DB) error {
			if err := tx.Where("name IN ?", []string{"movie-default", "tv-default"}).
				Delete(&models.PipelineTemplate{}).Error; err != nil {
				return err
			}
			return tx.Where("name = ?", "default").Delete(&models.EncodingProfile{}).Error
		},
	}
}

// migration003AssignmentInputGuard adds a partial unique index so at most one
// assignment per input path can sit in an active status. SQLite and Postgres
// enforce it natively; MySQL has no partial indexes, so there the
// read-before-insert arbitration in the dispatcher is the only guard.
func migration003AssignmentInputGuard() Migration {
	return Migration{
		Version:     "003",
		Description: "Unique active assignment per input path",
		Up: func(tx *gorm.DB) error {
			if tx.Dialector.Name() == "mysql" {
				return nil
			}
			return tx.Exec(
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active_input
				 ON encoder_assignments(input_path)
				 WHERE status IN ('pending', 'encoding')`,
			).Error
		},
		Down: func(tx *gorm.DB) error {
			if tx.Dialector.Name() == "mysql" {
				return nil
			}
			return tx.Exec(`DROP INDEX IF EXISTS idx_assignments_active_input`).Error
		},
	}
}

// createDefaultEncodingProfile creates the profile used when a template's
// encode step names none.
func createDefaultEncodingProfile(tx *gorm.DB) error {
	profile := models.EncodingProfile{
		Name:          "default",
		Description:   "HEVC hardware transcode, audio passthrough",
		VideoEncoder:  "hevc_nvenc",
		VideoQuality:  23,
		HWAccel:       "cuda",
		AudioEncoder:  "copy",
		SubtitlesMode: models.SubtitlesModeCopy,
		Container:     "mkv",
		IsDefault:     true,
	}
	return tx.Create(&profile).Error
}

// createDefaultTemplates creates one default pipeline template per media kind.
func createDefaultTemplates(tx *gorm.DB) error {
	steps := []models.StepDefinition{
		{Type: models.StepTypeSearch, Name: "search-release"},
		{Type: models.StepTypeApproval, Name: "await-approval"},
		{Type: models.StepTypeDownload, Name: "download-release"},
		{
			Type:   models.StepTypeEncode,
			Name:   "encode-video",
			Config: map[string]any{"profile": "default"},
		},
		{Type: models.StepTypeDeliver, Name: "deliver-files"},
		{
			Type:   models.StepTypeNotification,
			Name:   "notify-complete",
			Config: map[string]any{"event": "item_completed"},
		},
	}

	templates := []models.PipelineTemplate{
		{
			Name:      "movie-default",
			MediaKind: models.MediaKindMovie,
			IsDefault: true,
			Steps:     steps,
		},
		{
			Name:      "tv-default",
			MediaKind: models.MediaKindTV,
			IsDefault: true,
			Steps:     steps,
		},
	}

	for _, template := range templates {
		if err := tx.Create(&template).Error; err != nil {
			return err
		}
	}
	return nil
}
