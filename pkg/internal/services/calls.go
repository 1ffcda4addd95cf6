package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openhall/callserver/pkg/internal/database"
	"github.com/openhall/callserver/pkg/internal/models"
)

// PreviewParticipantLimit caps how many participant ids ride on the
// call row for client-side previews.
const PreviewParticipantLimit = 9

func ListCalls(channelID uuid.UUID, take, offset int) ([]models.Call, error) {
	var calls []models.Call
	if err := database.C.
		Where("channel_id = ?", channelID).
		Limit(take).
		Offset(offset).
		Preload("CallServer").
		Order("created_at DESC").
		Find(&calls).Error; err != nil {
		return calls, err
	}
	return calls, nil
}

func GetCall(id uuid.UUID) (models.Call, error) {
	var call models.Call
	if err := database.C.
		Where("id = ?", id).
		Preload("CallServer").
		First(&call).Error; err != nil {
		return call, err
	}
	return call, nil
}

func GetOngoingCall(channelID uuid.UUID) (models.Call, error) {
	var call models.Call
	if err := database.C.
		Where("channel_id = ?", channelID).
		Where("started_at IS NOT NULL AND ended_at IS NULL").
		Preload("CallServer").
		Order("created_at DESC").
		First(&call).Error; err != nil {
		return call, err
	}
	return call, nil
}

// NewCall persists a call and, unless it is scheduled for later, places
// and starts it right away. One channel carries at most one ongoing
// call at a time.
func NewCall(call models.Call) (models.Call, error) {
	if _, err := GetOngoingCall(call.ChannelID); err == nil {
		return call, fmt.Errorf("this channel already has an ongoing call")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return call, err
	}

	if err := database.C.Create(&call).Error; err != nil {
		return call, err
	}

	if call.Scheduled(time.Now()) {
		PublishCallEvent("calls.scheduled", call)
		return call, nil
	}
	return StartCall(call)
}

// StartCall places a not-yet-started call on a call server and stamps
// its start time. Calls that already started pass through untouched.
func StartCall(call models.Call) (models.Call, error) {
	if call.StartedAt != nil {
		return call, nil
	}
	if call.EndedAt != nil {
		return call, fmt.Errorf("cannot start an ended call")
	}

	call, err := AssignCallServer(call)
	if err != nil {
		return call, err
	}

	call.StartedAt = lo.ToPtr(time.Now())
	if err := database.C.Model(&models.Call{}).
		Where("id = ?", call.ID).
		Update("started_at", *call.StartedAt).Error; err != nil {
		return call, err
	}

	PublishCallEvent("calls.started", call)
	return call, nil
}

// EndCall stamps the end time exactly once, refunds the scheduler,
// closes the remaining membership rows and disconnects everyone still
// in the room. Ending an already ended call is a no-op.
func EndCall(call models.Call) (models.Call, error) {
	now := time.Now()
	tx := database.C.Model(&models.Call{}).
		Where("id = ?", call.ID).
		Where("ended_at IS NULL").
		Update("ended_at", now)
	if tx.Error != nil {
		return call, tx.Error
	}
	if tx.RowsAffected == 0 {
		// Already ended elsewhere; still make sure no room lingers on
		// this node.
		CallManager.Drop(call.ID)
		return GetCall(call.ID)
	}
	call.EndedAt = &now

	if err := database.C.Model(&models.CallMember{}).
		Where("call_id = ?", call.ID).
		Where("left_at IS NULL").
		Update("left_at", now).Error; err != nil {
		log.Warn().Err(err).Str("call", call.ID.String()).Msg("An error occurred when closing call membership rows...")
	}

	if call.CallServerID != nil {
		Scheduler.Release(*call.CallServerID)
	}
	CallManager.Drop(call.ID)

	PublishCallEvent("calls.ended", call)
	return call, nil
}

// UpdateCall persists capacity and quality changes of a call and, when
// the call is live on this node, applies them to the running room.
func UpdateCall(call models.Call, slots, stageSlots int, audioOnly, highQuality bool, title, description string) (models.Call, error) {
	call.Slots = slots
	call.StageSlots = stageSlots
	call.AudioOnly = audioOnly
	call.HighQuality = highQuality
	call.Title = title
	call.Description = description

	if err := database.C.Model(&models.Call{}).
		Where("id = ?", call.ID).
		Updates(map[string]any{
			"slots":        slots,
			"stage_slots":  stageSlots,
			"audio_only":   audioOnly,
			"high_quality": highQuality,
			"title":        title,
			"description":  description,
		}).Error; err != nil {
		return call, err
	}

	if room, ok := CallManager.Get(call.ID); ok {
		room.ApplyUpdate(slots, stageSlots, audioOnly, highQuality)
	}

	PublishCallEvent("calls.updated", call)
	return call, nil
}

// AddCallMember opens an audit row for a participant and refreshes the
// call's preview list.
func AddCallMember(callID, userID uuid.UUID, roster []uuid.UUID) {
	member := models.CallMember{
		CallID:   callID,
		UserID:   userID,
		JoinedAt: time.Now(),
	}
	if err := database.C.Create(&member).Error; err != nil {
		log.Warn().Err(err).Str("call", callID.String()).Msg("An error occurred when recording a call member...")
	}
	refreshCallPreview(callID, roster)
	PublishCallEvent("calls.member_joined", member)
}

// RemoveCallMember closes the participant's open audit row.
func RemoveCallMember(callID, userID uuid.UUID, roster []uuid.UUID) {
	now := time.Now()
	if err := database.C.Model(&models.CallMember{}).
		Where("call_id = ? AND user_id = ?", callID, userID).
		Where("left_at IS NULL").
		Update("left_at", now).Error; err != nil {
		log.Warn().Err(err).Str("call", callID.String()).Msg("An error occurred when closing a call member row...")
	}
	refreshCallPreview(callID, roster)
	PublishCallEvent("calls.member_left", map[string]any{
		"call_id": callID,
		"user_id": userID,
		"left_at": now,
	})
}

func refreshCallPreview(callID uuid.UUID, roster []uuid.UUID) {
	preview := lo.Uniq(roster)
	if len(preview) > PreviewParticipantLimit {
		preview = preview[:PreviewParticipantLimit]
	}
	if err := database.C.Model(&models.Call{}).
		Where("id = ?", callID).
		Update("preview_user_ids", datatypes.NewJSONSlice(preview)).Error; err != nil {
		log.Warn().Err(err).Str("call", callID.String()).Msg("An error occurred when updating the call preview...")
	}
}
