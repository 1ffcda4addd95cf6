package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/openhall/callserver/pkg/internal/http/exts"
	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/relay"
	"github.com/openhall/callserver/pkg/internal/services"
	"github.com/openhall/callserver/pkg/internal/wire"
)

var callLocks sync.Map

func requestIdentity(c *fiber.Ctx) relay.Identity {
	return c.Locals("identity").(relay.Identity)
}

func listCall(c *fiber.Ctx) error {
	take := c.QueryInt("take", 10)
	offset := c.QueryInt("offset", 0)

	channelID, err := uuid.Parse(c.Query("channel"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed channel id")
	}

	if calls, err := services.ListCalls(channelID, take, offset); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	} else {
		return c.JSON(calls)
	}
}

func getOngoingCall(c *fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Query("channel"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed channel id")
	}

	call, err := services.GetOngoingCall(channelID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if !services.Policy.CanSee(requestIdentity(c), call) {
		return fiber.NewError(fiber.StatusNotFound, "no ongoing call")
	}
	return c.JSON(call)
}

func getCall(c *fiber.Ctx) error {
	callID, err := uuid.Parse(c.Params("callId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed call id")
	}

	call, err := services.GetCall(callID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if !services.Policy.CanSee(requestIdentity(c), call) {
		return fiber.NewError(fiber.StatusNotFound, "call not found")
	}
	return c.JSON(call)
}

func createCall(c *fiber.Ctx) error {
	identity := requestIdentity(c)

	var data struct {
		CommunityID     uuid.UUID               `json:"community_id" validate:"required"`
		ChannelID       uuid.UUID               `json:"channel_id" validate:"required"`
		Type            models.CallType         `json:"type"`
		Title           string                  `json:"title" validate:"max=256"`
		Description     string                  `json:"description" validate:"max=4096"`
		Slots           int                     `json:"slots" validate:"required,min=1,max=65535"`
		StageSlots      int                     `json:"stage_slots" validate:"min=0,max=65535"`
		AudioOnly       bool                    `json:"audio_only"`
		HighQuality     bool                    `json:"high_quality"`
		ScheduleDate    *time.Time              `json:"schedule_date"`
		RolePermissions []models.RolePermission `json:"role_permissions"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}
	if data.Type == models.CallTypeBroadcast && data.StageSlots < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "a broadcast needs at least one stage slot")
	}
	if data.Slots+data.StageSlots > 65536 {
		return fiber.NewError(fiber.StatusBadRequest, "slots and stage slots cannot exceed the talker id space")
	}

	if _, ok := callLocks.LoadOrStore(data.ChannelID, true); ok {
		return fiber.NewError(fiber.StatusLocked, "there is already a call in creation progress for this channel")
	}
	defer callLocks.Delete(data.ChannelID)

	call := models.Call{
		CommunityID:  data.CommunityID,
		ChannelID:    data.ChannelID,
		CreatorID:    identity.UserID,
		Type:         data.Type,
		Title:        data.Title,
		Description:  data.Description,
		Slots:        data.Slots,
		StageSlots:   data.StageSlots,
		AudioOnly:    data.AudioOnly,
		HighQuality:  data.HighQuality,
		ScheduleDate: data.ScheduleDate,
	}
	call.RolePermissions = data.RolePermissions

	if call, err := services.NewCall(call); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	} else {
		return c.JSON(call)
	}
}

func editCall(c *fiber.Ctx) error {
	identity := requestIdentity(c)

	callID, err := uuid.Parse(c.Params("callId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed call id")
	}

	var data struct {
		Title       string `json:"title" validate:"max=256"`
		Description string `json:"description" validate:"max=4096"`
		Slots       int    `json:"slots" validate:"required,min=1,max=65535"`
		StageSlots  int    `json:"stage_slots" validate:"min=0,max=65535"`
		AudioOnly   bool   `json:"audio_only"`
		HighQuality bool   `json:"high_quality"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}
	if data.Slots+data.StageSlots > 65536 {
		return fiber.NewError(fiber.StatusBadRequest, "slots and stage slots cannot exceed the talker id space")
	}

	call, err := services.GetCall(callID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if !services.Policy.CanModerate(identity, call) {
		return fiber.NewError(fiber.StatusForbidden, "only the creator or a moderator can edit this call")
	}

	if call, err := services.UpdateCall(call, data.Slots, data.StageSlots, data.AudioOnly, data.HighQuality, data.Title, data.Description); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(call)
	}
}

func endCall(c *fiber.Ctx) error {
	identity := requestIdentity(c)

	callID, err := uuid.Parse(c.Params("callId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed call id")
	}

	call, err := services.GetCall(callID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if !services.Policy.CanEndForEveryone(identity, call) {
		return fiber.NewError(fiber.StatusForbidden, "only the creator or a granted role can end this call for everyone")
	}

	if call, err := services.EndCall(call); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(call)
	}
}

func muteCallTalker(c *fiber.Ctx) error {
	identity := requestIdentity(c)

	callID, err := uuid.Parse(c.Params("callId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed call id")
	}

	var data struct {
		Talker wire.TalkerID `json:"talker"`
		Muted  *bool         `json:"muted" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	call, err := services.GetCall(callID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if !services.Policy.CanModerate(identity, call) {
		return fiber.NewError(fiber.StatusForbidden, "only the creator or a moderator can mute participants")
	}

	room, ok := services.CallManager.Get(call.ID)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "this call is not live on this node")
	}
	if !room.MuteTalker(data.Talker, *data.Muted) {
		return fiber.NewError(fiber.StatusNotFound, "no such talker in this call")
	}
	return c.SendStatus(fiber.StatusOK)
}
