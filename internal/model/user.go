package model

// UserStatus is the persisted online flag of an account.
type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
)

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url"`
	PhoneNumber string     `json:"phone_number"`
	Status      UserStatus `json:"status"`
}

// UserPublic is what other users see in contact lists and notifications.
type UserPublic struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url"`
	Status      UserStatus `json:"status"`
	Online      bool       `json:"online"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.Name(),
		AvatarURL:   u.AvatarURL,
		Status:      u.Status,
		Online:      u.Status == UserStatusOnline,
	}
}
