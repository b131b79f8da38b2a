package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidNodeID indicates a registration without a usable identifier.
var ErrInvalidNodeID = errors.New("nodes: invalid node id")

// ServiceConfig describes the dependencies required for node registration.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks which nodes participate in shared sessions. It is advisory
// only; the event log does not depend on it.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the node registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("nodes: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Heartbeat upserts the node's registration, refreshing its last seen time.
// Pollers call this when they connect to a session.
func (s *Service) Heartbeat(ctx context.Context, nodeID, name string) error {
	trimmedID := normalize(nodeID)
	if trimmedID == "" {
		return ErrInvalidNodeID
	}

	node := Node{
		NodeID:     trimmedID,
		Name:       normalize(name),
		LastSeenAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "last_seen_at"}),
		}).
		Create(&node).Error
}

// List returns all registered nodes, most recently seen first.
func (s *Service) List(ctx context.Context) ([]Node, error) {
	var result []Node
	if err := s.db.WithContext(ctx).Order("last_seen_at DESC").Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
