package eventlog

import (
	"errors"
	"fmt"
	"strings"
)

// EventType tags a log entry with the payload table it references. The
// integer codes are shared by every node connected to the same database and
// must match across deployments.
type EventType int

const (
	// EventTypeAddLayer references a row in layer_payloads describing a layer to add.
	EventTypeAddLayer EventType = 1
	// EventTypeAnimation references a row in animation_payloads. The payload's
	// animate flag distinguishes start from stop.
	EventTypeAnimation EventType = 2
	// EventTypeRemoveLayer references a row in layer_payloads carrying only layer identity.
	EventTypeRemoveLayer EventType = 3
	// EventTypePlayMovie references a row in movie_payloads.
	EventTypePlayMovie EventType = 4
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionName indicates that a session name is empty or exceeds storage bounds.
	ErrInvalidSessionName = errors.New("eventlog: invalid session name")
	// ErrUnknownEventType indicates an event type outside the shared code set.
	ErrUnknownEventType = errors.New("eventlog: unknown event type")
)

// SessionName represents a validated session identifier.
type SessionName string

// NewSessionName validates raw input and returns a SessionName.
func NewSessionName(rawInput string) (SessionName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionName, maxIdentifierLength)
	}
	return SessionName(trimmed), nil
}

// String returns the underlying session name.
func (n SessionName) String() string {
	return string(n)
}

// ParseEventType validates a raw type code read from the log.
func ParseEventType(value int) (EventType, error) {
	switch EventType(value) {
	case EventTypeAddLayer, EventTypeAnimation, EventTypeRemoveLayer, EventTypePlayMovie:
		return EventType(value), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownEventType, value)
	}
}

// Session is a named isolation scope. Two sessions' event streams never
// interleave or interact.
type Session struct {
	ID   uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:190;not null;uniqueIndex:idx_sessions_name"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "sessions"
}

// Event is one append-only log entry. The store-assigned id is the sequence
// number; its ascending order is the single source of truth for
// happened-before across all consumers.
type Event struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID uint64    `gorm:"column:session_id;not null;index:idx_event_log_session,priority:1"`
	Type      EventType `gorm:"column:type;not null"`
	PayloadID uint64    `gorm:"column:payload_id;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "event_log"
}

// LayerPayload holds one serialized layer descriptor. Rows are immutable
// after insert; a modify is remove-then-add, never an update in place.
type LayerPayload struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID uint64 `gorm:"column:session_id;not null;index"`
	XMLData   string `gorm:"column:xml_data;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LayerPayload) TableName() string {
	return "layer_payloads"
}

// AnimationPayload holds the parameters of one start or stop animation call.
type AnimationPayload struct {
	ID            uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID     uint64  `gorm:"column:session_id;not null;index"`
	Animate       bool    `gorm:"column:animate;not null"`
	Speed         float64 `gorm:"column:speed;not null;default:0"`
	Accumulate    bool    `gorm:"column:accumulate;not null;default:false"`
	DateTimeStep  bool    `gorm:"column:date_time_step;not null;default:false"`
	TimeWindow    bool    `gorm:"column:time_window;not null;default:false"`
	NumDaysToShow int     `gorm:"column:num_days_to_show;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (AnimationPayload) TableName() string {
	return "animation_payloads"
}

// MoviePayload holds the parameters of one play movie call. Vectors are
// stored in the "x y z" text form shared by all nodes.
type MoviePayload struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID uint64 `gorm:"column:session_id;not null;index"`
	Position  string `gorm:"column:position;size:190;not null"`
	Width     string `gorm:"column:width;size:190;not null"`
	Height    string `gorm:"column:height;size:190;not null"`
	Path      string `gorm:"column:path;size:512;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MoviePayload) TableName() string {
	return "movie_payloads"
}

// Cursor records the last event id a node has fully applied for a session.
// Each row is owned exclusively by one poller instance and survives process
// restarts so a node resumes where it left off instead of silently skipping
// events published during its downtime.
type Cursor struct {
	NodeID      string `gorm:"column:node_id;primaryKey;size:190;not null"`
	SessionID   uint64 `gorm:"column:session_id;primaryKey;not null"`
	LastEventID uint64 `gorm:"column:last_event_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "cursors"
}
