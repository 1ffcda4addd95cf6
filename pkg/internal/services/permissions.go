package services

import (
	"github.com/samber/lo"

	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/relay"
)

// CallPolicy evaluates role grants against a call's permission list.
// The creator bypasses every check on its own call.
type CallPolicy struct{}

var Policy = CallPolicy{}

func hasPermission(identity relay.Identity, call models.Call, wanted models.CallPermission) bool {
	if identity.UserID == call.CreatorID {
		return true
	}
	for _, grant := range call.RolePermissions {
		if !lo.Contains(identity.Roles, grant.RoleID) {
			continue
		}
		if lo.Contains(grant.Permissions, wanted) {
			return true
		}
	}
	return false
}

// CanJoin requires CALL_JOIN. A call without any role grants is open to
// everyone who can reach it.
func (CallPolicy) CanJoin(identity relay.Identity, call models.Call) bool {
	if len(call.RolePermissions) == 0 {
		return true
	}
	return hasPermission(identity, call, models.CallPermissionJoin)
}

func (CallPolicy) CanModerate(identity relay.Identity, call models.Call) bool {
	return hasPermission(identity, call, models.CallPermissionModerate)
}

func (CallPolicy) CanSee(identity relay.Identity, call models.Call) bool {
	if len(call.RolePermissions) == 0 {
		return true
	}
	return hasPermission(identity, call, models.CallPermissionExists) ||
		hasPermission(identity, call, models.CallPermissionJoin)
}

func (CallPolicy) CanEndForEveryone(identity relay.Identity, call models.Call) bool {
	return hasPermission(identity, call, models.CallPermissionEndCall)
}
