package eventlog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingNodeID   = errors.New("node identifier is required")
	errLayerEventType  = errors.New("event type does not reference a layer payload")
	noOpLogger         = zap.NewNop()
)

// ErrPayloadNotFound indicates a log row whose payload row is missing or
// belongs to another session.
var ErrPayloadNotFound = errors.New("eventlog: payload not found")

// StoreError wraps a failure with a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew        = "eventlog.store.new"
	opResolveSession  = "eventlog.resolve_session"
	opFindSession     = "eventlog.find_session"
	opSessions        = "eventlog.sessions"
	opAppendLayer     = "eventlog.append_layer"
	opAppendAnimation = "eventlog.append_animation"
	opAppendMovie     = "eventlog.append_movie"
	opEventsAfter     = "eventlog.events_after"
	opLoadPayload     = "eventlog.load_payload"
	opTail            = "eventlog.tail"
	opLoadCursor      = "eventlog.load_cursor"
	opSaveCursor      = "eventlog.save_cursor"
	opPurgeSession    = "eventlog.purge_session"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the event log store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads and appends the session-scoped event log. Appends write the
// payload row and the log row in a single transaction so no log row can ever
// reference a payload that does not exist.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// ResolveSession returns the session row for the given name, creating it on
// first use. Concurrent creators race on the unique name index; the loser
// re-reads the winner's row.
func (s *Store) ResolveSession(ctx context.Context, name SessionName) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("name = ?", name.String()).Take(&session).Error
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opResolveSession, "select_failed", err, zap.String("session", name.String()))
		return Session{}, newStoreError(opResolveSession, "select_failed", err)
	}

	session = Session{Name: name.String()}
	if createErr := s.db.WithContext(ctx).Create(&session).Error; createErr != nil {
		if retryErr := s.db.WithContext(ctx).Where("name = ?", name.String()).Take(&session).Error; retryErr != nil {
			s.logError(opResolveSession, "create_failed", createErr, zap.String("session", name.String()))
			return Session{}, newStoreError(opResolveSession, "create_failed", createErr)
		}
	}
	return session, nil
}

// FindSession returns the session row for the given name without creating
// it. The second return reports whether the session exists; read and delete
// surfaces use this so a lookup never mints a new session.
func (s *Store) FindSession(ctx context.Context, name SessionName) (Session, bool, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("name = ?", name.String()).Take(&session).Error
	if err == nil {
		return session, true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, nil
	}
	s.logError(opFindSession, "select_failed", err, zap.String("session", name.String()))
	return Session{}, false, newStoreError(opFindSession, "select_failed", err)
}

// Sessions lists every known session ordered by name.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&sessions).Error; err != nil {
		s.logError(opSessions, "query_failed", err)
		return nil, newStoreError(opSessions, "query_failed", err)
	}
	return sessions, nil
}

// AppendLayerEvent appends an add or remove layer event carrying the given
// serialized descriptor.
func (s *Store) AppendLayerEvent(ctx context.Context, sessionID uint64, eventType EventType, xmlData string) (Event, error) {
	if eventType != EventTypeAddLayer && eventType != EventTypeRemoveLayer {
		return Event{}, newStoreError(opAppendLayer, "invalid_type", errLayerEventType)
	}

	payload := LayerPayload{SessionID: sessionID, XMLData: xmlData}
	event, err := s.appendEvent(ctx, opAppendLayer, sessionID, eventType, &payload)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// AppendAnimationEvent appends one animation event. A stop is an event whose
// payload has the animate flag cleared.
func (s *Store) AppendAnimationEvent(ctx context.Context, sessionID uint64, payload AnimationPayload) (Event, error) {
	payload.ID = 0
	payload.SessionID = sessionID
	return s.appendEvent(ctx, opAppendAnimation, sessionID, EventTypeAnimation, &payload)
}

// AppendMovieEvent appends one play movie event.
func (s *Store) AppendMovieEvent(ctx context.Context, sessionID uint64, payload MoviePayload) (Event, error) {
	payload.ID = 0
	payload.SessionID = sessionID
	return s.appendEvent(ctx, opAppendMovie, sessionID, EventTypePlayMovie, &payload)
}

type payloadRow interface {
	payloadID() uint64
}

func (p *LayerPayload) payloadID() uint64     { return p.ID }
func (p *AnimationPayload) payloadID() uint64 { return p.ID }
func (p *MoviePayload) payloadID() uint64     { return p.ID }

func (s *Store) appendEvent(ctx context.Context, operation string, sessionID uint64, eventType EventType, payload payloadRow) (Event, error) {
	event := Event{SessionID: sessionID, Type: eventType}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payload).Error; err != nil {
			return newStoreError(operation, "payload_insert_failed", err)
		}
		event.PayloadID = payload.payloadID()
		if err := tx.Create(&event).Error; err != nil {
			return newStoreError(operation, "event_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(operation, "transaction_failed", txErr, zap.Uint64("session_id", sessionID), zap.Int("type", int(eventType)))
		return Event{}, txErr
	}
	return event, nil
}

// EventsAfter returns every event for the session with id greater than
// afterID, in ascending id order.
func (s *Store) EventsAfter(ctx context.Context, sessionID uint64, afterID uint64) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND id > ?", sessionID, afterID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		s.logError(opEventsAfter, "query_failed", err, zap.Uint64("session_id", sessionID), zap.Uint64("after_id", afterID))
		return nil, newStoreError(opEventsAfter, "query_failed", err)
	}
	return events, nil
}

// LoadLayerPayload loads the layer payload row referenced by an event.
func (s *Store) LoadLayerPayload(ctx context.Context, sessionID uint64, payloadID uint64) (LayerPayload, error) {
	var payload LayerPayload
	if err := s.loadPayload(ctx, sessionID, payloadID, &payload); err != nil {
		return LayerPayload{}, err
	}
	return payload, nil
}

// LoadAnimationPayload loads the animation payload row referenced by an event.
func (s *Store) LoadAnimationPayload(ctx context.Context, sessionID uint64, payloadID uint64) (AnimationPayload, error) {
	var payload AnimationPayload
	if err := s.loadPayload(ctx, sessionID, payloadID, &payload); err != nil {
		return AnimationPayload{}, err
	}
	return payload, nil
}

// LoadMoviePayload loads the movie payload row referenced by an event.
func (s *Store) LoadMoviePayload(ctx context.Context, sessionID uint64, payloadID uint64) (MoviePayload, error) {
	var payload MoviePayload
	if err := s.loadPayload(ctx, sessionID, payloadID, &payload); err != nil {
		return MoviePayload{}, err
	}
	return payload, nil
}

func (s *Store) loadPayload(ctx context.Context, sessionID uint64, payloadID uint64, destination interface{}) error {
	err := s.db.WithContext(ctx).
		Where("id = ? AND session_id = ?", payloadID, sessionID).
		Take(destination).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newStoreError(opLoadPayload, "not_found", ErrPayloadNotFound)
	}
	if err != nil {
		s.logError(opLoadPayload, "query_failed", err, zap.Uint64("session_id", sessionID), zap.Uint64("payload_id", payloadID))
		return newStoreError(opLoadPayload, "query_failed", err)
	}
	return nil
}

// Tail returns the id of the newest event in the session, zero when the
// session has no events yet.
func (s *Store) Tail(ctx context.Context, sessionID uint64) (uint64, error) {
	var tail uint64
	err := s.db.WithContext(ctx).
		Model(&Event{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&tail).Error
	if err != nil {
		s.logError(opTail, "query_failed", err, zap.Uint64("session_id", sessionID))
		return 0, newStoreError(opTail, "query_failed", err)
	}
	return tail, nil
}

// LoadCursor returns the persisted cursor for the node and session. The
// second return value reports whether a cursor row exists.
func (s *Store) LoadCursor(ctx context.Context, nodeID string, sessionID uint64) (uint64, bool, error) {
	if nodeID == "" {
		return 0, false, newStoreError(opLoadCursor, "missing_node_id", errMissingNodeID)
	}
	var cursor Cursor
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND session_id = ?", nodeID, sessionID).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opLoadCursor, "query_failed", err, zap.String("node_id", nodeID), zap.Uint64("session_id", sessionID))
		return 0, false, newStoreError(opLoadCursor, "query_failed", err)
	}
	return cursor.LastEventID, true, nil
}

// SaveCursor upserts the persisted cursor for the node and session.
func (s *Store) SaveCursor(ctx context.Context, nodeID string, sessionID uint64, lastEventID uint64) error {
	if nodeID == "" {
		return newStoreError(opSaveCursor, "missing_node_id", errMissingNodeID)
	}
	cursor := Cursor{NodeID: nodeID, SessionID: sessionID, LastEventID: lastEventID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_id"}),
		}).
		Create(&cursor).Error
	if err != nil {
		s.logError(opSaveCursor, "upsert_failed", err, zap.String("node_id", nodeID), zap.Uint64("session_id", sessionID))
		return newStoreError(opSaveCursor, "upsert_failed", err)
	}
	return nil
}

// PurgeSession deletes every log, payload and cursor row belonging to the
// session. The session row itself is kept so the name stays reserved.
func (s *Store) PurgeSession(ctx context.Context, sessionID uint64) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&Event{}, &LayerPayload{}, &AnimationPayload{}, &MoviePayload{}, &Cursor{}} {
			if err := tx.Where("session_id = ?", sessionID).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPurgeSession, "transaction_failed", txErr, zap.Uint64("session_id", sessionID))
		return newStoreError(opPurgeSession, "transaction_failed", txErr)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("event log store error", attrs...)
}
