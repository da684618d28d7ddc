package model

// PresenceMember exists only while the user holds the conversation channel open.
type PresenceMember struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}
