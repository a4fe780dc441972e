package model

import "time"

type RelationStatus string

const (
	RelationPending  RelationStatus = "pending"
	RelationAccepted RelationStatus = "accepted"
)

// Relationship is a directional friend edge: RequesterID asked TargetID.
type Relationship struct {
	ID          int64          `json:"id"`
	RequesterID int64          `json:"requester_id"`
	TargetID    int64          `json:"target_id"`
	Status      RelationStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Peer returns the other side of the edge relative to userID.
func (r *Relationship) Peer(userID int64) int64 {
	if r.RequesterID == userID {
		return r.TargetID
	}
	return r.RequesterID
}

// Block is a directional edge: BlockerID blocked TargetID.
type Block struct {
	BlockerID int64     `json:"blocker_id"`
	TargetID  int64     `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
}
