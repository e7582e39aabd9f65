package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Subject      string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Item is a node in a user's outline tree. ParentID is nil for the root and
// for freshly created unattached items; the root repair pass on list moves
// the latter under the root.
type Item struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Data        json.RawMessage
	ParentID    *string
	IsRoot      bool
	Checked     bool
	Rank        float64
	CreatedAt   time.Time
}
