package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"github.com/openhall/callserver/pkg/internal/database"
	"github.com/openhall/callserver/pkg/internal/models"
)

func ListCallServers() ([]models.CallServer, error) {
	var servers []models.CallServer
	if err := database.C.Order("created_at ASC").Find(&servers).Error; err != nil {
		return servers, err
	}
	return servers, nil
}

func GetCallServer(id uuid.UUID) (models.CallServer, error) {
	var server models.CallServer
	if err := database.C.Where("id = ?", id).First(&server).Error; err != nil {
		return server, err
	}
	return server, nil
}

// UpsertCallServer records a heartbeat: the server row is created on
// first contact and its status refreshed on every subsequent beat. The
// URL is the natural key, so a redeployed server keeps its identity and
// its scheduled calls.
func UpsertCallServer(url string, status models.CallServerStatus) (models.CallServer, error) {
	server := models.CallServer{
		URL:    url,
		Status: datatypes.NewJSONType(status),
	}
	if err := database.C.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at", "deleted_at"}),
	}).Create(&server).Error; err != nil {
		return server, err
	}
	if err := database.C.Where("url = ?", url).First(&server).Error; err != nil {
		return server, err
	}
	return server, nil
}

// ResetCallServer handles a relay cold start: the rooms that lived on
// the server are gone, so every call still marked ongoing there is
// ended, the reported load is zeroed and the scheduler recounts.
func ResetCallServer(id uuid.UUID) (models.CallServer, error) {
	server, err := GetCallServer(id)
	if err != nil {
		return server, err
	}

	var orphans []models.Call
	if err := database.C.
		Where("call_server_id = ?", id).
		Where("started_at IS NOT NULL AND ended_at IS NULL").
		Find(&orphans).Error; err != nil {
		return server, err
	}
	for _, call := range orphans {
		if _, err := EndCall(call); err != nil {
			log.Warn().Err(err).Str("call", call.ID.String()).Msg("An error occurred when ending an orphaned call...")
		}
	}

	server.Status = datatypes.NewJSONType(models.CallServerStatus{})
	if err := database.C.Save(&server).Error; err != nil {
		return server, err
	}
	if err := RebuildCallServerLoad(); err != nil {
		log.Warn().Err(err).Msg("An error occurred when rebuilding the load table after a server reset...")
	}
	return server, nil
}

// SweepStaleCallServers soft deletes servers whose heartbeat went quiet
// for longer than the configured grace period. A server that beats
// again is revived by the next upsert.
func SweepStaleCallServers() error {
	grace := viper.GetDuration("scheduler.stale_server_grace")
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	deadline := time.Now().Add(-grace)

	tx := database.C.
		Where("updated_at < ?", deadline).
		Delete(&models.CallServer{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		log.Info().Int64("count", tx.RowsAffected).Msg("Swept stale call servers...")
	}
	return nil
}
