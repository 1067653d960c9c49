package models

import (
	"sort"
	"time"
)

// Room is a two-member conversation. Its ID is derived from the sorted member IDs.
type Room struct {
	ID            string    `json:"id"`
	Members       [2]string `json:"members"`
	LastMessageID string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CanonicalMembers returns the two user IDs in lexicographic order.
func CanonicalMembers(a, b string) [2]string {
	ids := []string{a, b}
	sort.Strings(ids)
	return [2]string{ids[0], ids[1]}
}

// RoomIDSeparator joins the two member IDs of a room ID. Member IDs that
// contain it would make room IDs ambiguous.
const RoomIDSeparator = "_"

// RoomID returns the canonical room ID for an unordered pair of users.
func RoomID(a, b string) string {
	m := CanonicalMembers(a, b)
	return m[0] + RoomIDSeparator + m[1]
}

// HasMember reports whether userID belongs to the room.
func (r *Room) HasMember(userID string) bool {
	return userID != "" && (r.Members[0] == userID || r.Members[1] == userID)
}

// Partner returns the other member of the room.
func (r *Room) Partner(userID string) string {
	if r.Members[0] == userID {
		return r.Members[1]
	}
	return r.Members[0]
}
