package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type CallType = uint8

const (
	CallTypeDefault = CallType(iota)
	CallTypeBroadcast
)

type CallPermission = string

const (
	CallPermissionExists   CallPermission = "CALL_EXISTS"
	CallPermissionJoin     CallPermission = "CALL_JOIN"
	CallPermissionModerate CallPermission = "CALL_MODERATE"
	CallPermissionEndCall  CallPermission = "END_CALL_FOR_EVERYONE"
)

// RolePermission is one entry of a call's ordered role grant list.
type RolePermission struct {
	RoleID      uuid.UUID        `json:"role_id"`
	Permissions []CallPermission `json:"permissions"`
}

type Call struct {
	BaseModel

	CommunityID uuid.UUID `json:"community_id" gorm:"type:uuid;index"`
	ChannelID   uuid.UUID `json:"channel_id" gorm:"type:uuid;index"`
	CreatorID   uuid.UUID `json:"creator_id" gorm:"type:uuid;index"`

	CallServerID *uuid.UUID  `json:"call_server_id" gorm:"type:uuid;index"`
	CallServer   *CallServer `json:"call_server"`

	Type CallType `json:"type"`

	Title       string `json:"title"`
	Description string `json:"description"`

	Slots      int `json:"slots"`
	StageSlots int `json:"stage_slots"`

	AudioOnly   bool `json:"audio_only"`
	HighQuality bool `json:"high_quality"`

	ScheduleDate *time.Time `json:"schedule_date"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`

	PreviewUserIDs  datatypes.JSONSlice[uuid.UUID]      `json:"preview_user_ids"`
	RolePermissions datatypes.JSONSlice[RolePermission] `json:"role_permissions"`
}

func (v Call) Ongoing() bool {
	return v.StartedAt != nil && v.EndedAt == nil
}

// Scheduled reports whether the call is still waiting for its schedule
// date and must not be placed on a call server yet.
func (v Call) Scheduled(now time.Time) bool {
	return v.ScheduleDate != nil && v.ScheduleDate.After(now)
}

// CallMember is the persisted join/leave audit row for one participant.
type CallMember struct {
	BaseModel

	CallID uuid.UUID `json:"call_id" gorm:"type:uuid;index"`
	Call   Call      `json:"call"`
	UserID uuid.UUID `json:"user_id" gorm:"type:uuid;index"`

	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at"`
}
