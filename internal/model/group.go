package model

type GroupStatus string

const (
	GroupStatusOnline  GroupStatus = "online"
	GroupStatusOffline GroupStatus = "offline"
)

type Group struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	OwnerID   int64       `json:"owner_id"`
	AvatarURL string      `json:"avatar_url"`
	Status    GroupStatus `json:"status"`
}

// GroupMember carries the member's persisted user status so presence can be derived
// without a second round trip.
type GroupMember struct {
	GroupID    int64      `json:"group_id"`
	UserID     int64      `json:"user_id"`
	Role       string     `json:"role"`
	UserStatus UserStatus `json:"user_status"`
}
