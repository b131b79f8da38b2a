package nodes

import (
	"strings"
	"time"
)

// Node records one consumer process known to the database: the id that owns
// its cursor rows plus when it was last seen polling.
type Node struct {
	NodeID     string    `gorm:"column:node_id;primaryKey;size:190;not null"`
	Name       string    `gorm:"column:name;size:190"`
	FirstSeen  time.Time `gorm:"column:first_seen;autoCreateTime"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
}

// TableName exposes the table backing node registrations.
func (Node) TableName() string {
	return "nodes"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
