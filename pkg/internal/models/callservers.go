package models

import (
	"gorm.io/datatypes"
)

// CallServerStatus is the load snapshot a relay process reports on its
// heartbeat interval.
type CallServerStatus struct {
	OngoingCalls int64 `json:"ongoing_calls"`
	Traffic      int64 `json:"traffic"`
}

type CallServer struct {
	BaseModel

	URL    string                               `json:"url" gorm:"uniqueIndex"`
	Status datatypes.JSONType[CallServerStatus] `json:"status"`
}

// Deleted reports whether the server was soft-removed from scheduling.
// A deleted server keeps serving calls already assigned to it.
func (v CallServer) Deleted() bool {
	return v.DeletedAt.Valid
}
