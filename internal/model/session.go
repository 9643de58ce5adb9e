package model

import "time"

type UserSession struct {
	UserID       string    `json:"userId"`
	TokenID      string    `json:"tokenId"`
	DeviceInfo   string    `json:"deviceInfo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type BlacklistEntry struct {
	TokenID       string    `json:"tokenId"`
	UserID        string    `json:"userId"`
	BlacklistedAt time.Time `json:"blacklistedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Reason        string    `json:"reason"`
}
