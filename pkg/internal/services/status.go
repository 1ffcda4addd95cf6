package services

import (
	"github.com/google/uuid"

	pkg "github.com/openhall/callserver/pkg/internal"
)

type RoomStatus struct {
	CallID       uuid.UUID   `json:"call_id"`
	Participants []uuid.UUID `json:"participants"`
}

type NodeStatus struct {
	Version      string       `json:"version"`
	Rooms        []RoomStatus `json:"rooms"`
	Participants int          `json:"participants"`
}

// BuildNodeStatus snapshots the rooms this node currently hosts.
func BuildNodeStatus() NodeStatus {
	snapshot := CallManager.Snapshot()
	status := NodeStatus{
		Version: pkg.AppVersion,
		Rooms:   make([]RoomStatus, 0, len(snapshot)),
	}
	for callID, participants := range snapshot {
		status.Rooms = append(status.Rooms, RoomStatus{
			CallID:       callID,
			Participants: participants,
		})
		status.Participants += len(participants)
	}
	return status
}
