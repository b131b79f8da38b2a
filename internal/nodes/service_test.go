package nodes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:lockstep_nodes_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Node{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error when database is missing")
	}
}

func TestHeartbeatRegistersAndRefreshes(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })

	if err := service.Heartbeat(context.Background(), "node-a", "render-wall-1"); err != nil {
		t.Fatalf("failed to register node: %v", err)
	}

	now = now.Add(time.Hour)
	if err := service.Heartbeat(context.Background(), "node-a", "render-wall-1-renamed"); err != nil {
		t.Fatalf("failed to refresh node: %v", err)
	}

	known, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list nodes: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("heartbeat must upsert, got %d rows", len(known))
	}
	if known[0].Name != "render-wall-1-renamed" {
		t.Fatalf("expected refreshed name, got %q", known[0].Name)
	}
	if !known[0].LastSeenAt.Equal(now) {
		t.Fatalf("expected refreshed last seen, got %v", known[0].LastSeenAt)
	}
}

func TestHeartbeatRejectsBlankID(t *testing.T) {
	service := newTestService(t, nil)
	if err := service.Heartbeat(context.Background(), "   ", "name"); !errors.Is(err, ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID, got %v", err)
	}
}

func TestListOrdersByRecency(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })

	if err := service.Heartbeat(context.Background(), "node-old", ""); err != nil {
		t.Fatalf("failed to register node: %v", err)
	}
	now = now.Add(time.Minute)
	if err := service.Heartbeat(context.Background(), "node-new", ""); err != nil {
		t.Fatalf("failed to register node: %v", err)
	}

	known, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list nodes: %v", err)
	}
	if len(known) != 2 || known[0].NodeID != "node-new" || known[1].NodeID != "node-old" {
		t.Fatalf("expected recency ordering, got %v", known)
	}
}
