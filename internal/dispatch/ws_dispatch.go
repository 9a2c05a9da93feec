package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/events"
)

var ErrNoSession = errors.New("no ws session")

type wsConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents a connected user session.
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one live session per user and pushes events to recipients.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *zap.Logger
}

func NewWSRegistry(logger *zap.Logger) *WSRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for userID, closing any session it replaces.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.add(userID, conn)
}

func (r *WSRegistry) add(userID string, conn wsConn) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if s != nil {
		_ = s.conn.Close()
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Send writes v to the user's session. A failed write drops the session.
func (r *WSRegistry) Send(userID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send error", zap.String("user_id", userID), zap.Error(err))
		r.Remove(userID)
		return err
	}
	return nil
}

// Publish delivers e to every connected recipient. Offline recipients are skipped.
func (r *WSRegistry) Publish(_ context.Context, e events.Event) error {
	var errs []error
	for _, userID := range e.Recipients {
		if err := r.Send(userID, e); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
