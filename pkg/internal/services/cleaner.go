package services

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhall/callserver/pkg/internal/database"
	"github.com/openhall/callserver/pkg/internal/models"
)

func DoAutoDatabaseCleanup() {
	deadline := time.Now().Add(-72 * time.Hour)
	log.Debug().Time("deadline", deadline).Msg("Now cleaning up entire database...")

	// Deal soft-deletion
	var count int64
	for _, model := range database.AutoMaintainRange {
		tx := database.C.Unscoped().Delete(model, "deleted_at IS NOT NULL AND deleted_at <= ?", deadline)
		if tx.Error != nil {
			log.Error().Err(tx.Error).Msg("An error occurred when running database cleanup...")
		}
		count += tx.RowsAffected
	}

	log.Debug().Int64("affected", count).Msg("Clean up entire database accomplished.")
}

// StartDueScheduledCalls places scheduled calls whose start date has
// arrived onto a call server.
func StartDueScheduledCalls() {
	var calls []models.Call
	if err := database.C.
		Where("schedule_date IS NOT NULL AND schedule_date <= ?", time.Now()).
		Where("started_at IS NULL AND ended_at IS NULL").
		Find(&calls).Error; err != nil {
		log.Error().Err(err).Msg("An error occurred when listing due scheduled calls...")
		return
	}

	for _, call := range calls {
		if _, err := StartCall(call); err != nil {
			log.Warn().Err(err).Str("call", call.ID.String()).Msg("An error occurred when starting a scheduled call...")
		}
	}
}
