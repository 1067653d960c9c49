package models

import (
	"time"
)

// User is a chat participant. Accounts are issued elsewhere; this service only
// reads them and keeps the presence columns current.
type User struct {
	ID                  string    `json:"id"`
	UID                 string    `json:"uid"` // public 10-char handle used to connect
	DisplayName         string    `json:"username"`
	Online              bool      `json:"isOnline"`
	LastSeenAt          time.Time `json:"lastSeen"`
	NotificationAddress string    `json:"-"`
	CreatedAt           time.Time `json:"createdAt"`
}
