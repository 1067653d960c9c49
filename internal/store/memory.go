package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/duet/internal/models"
)

// MemoryStore is a process-local DataStore used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	rooms    map[string]models.Room
	messages map[string]models.Message
	byRoom   map[string][]string // message IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]models.User),
		rooms:    make(map[string]models.Room),
		messages: make(map[string]models.Message),
		byRoom:   make(map[string][]string),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.UID == uid {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	u.Online = online
	u.LastSeenAt = lastSeen
	s.users[id] = u
	return nil
}

func (s *MemoryStore) CreateRoomIfAbsent(ctx context.Context, room *models.Room) (*models.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[room.ID]; ok {
		return &existing, false, nil
	}
	s.rooms[room.ID] = *room
	out := *room
	return &out, true, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []models.Room
	for _, r := range s.rooms {
		if r.HasMember(userID) {
			rooms = append(rooms, r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastMessageAt.Equal(rooms[j].LastMessageAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastMessageAt.After(rooms[j].LastMessageAt)
	})
	return rooms, nil
}

func (s *MemoryStore) UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || at.Before(r.LastMessageAt) {
		return nil
	}
	r.LastMessageID = messageID
	r.LastMessageAt = at
	s.rooms[roomID] = r
	return nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	stored := *msg
	stored.DeletedFor = append([]string(nil), msg.DeletedFor...)
	s.messages[msg.ID] = stored
	s.byRoom[msg.RoomID] = append(s.byRoom[msg.RoomID], msg.ID)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	m.DeletedFor = append([]string(nil), m.DeletedFor...)
	return &m, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.Message
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		m.DeletedFor = append([]string(nil), m.DeletedFor...)
		msgs = append(msgs, m)
	}
	sortNewestFirst(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) AdvanceRoomStatus(ctx context.Context, roomID, readerID string, status models.MessageStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved []string
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if m.SenderID == readerID || !status.Advances(m.Status) {
			continue
		}
		m.Status = status
		s.messages[id] = m
		moved = append(moved, id)
	}
	return moved, nil
}

func (s *MemoryStore) AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || !status.Advances(m.Status) {
		return false, nil
	}
	m.Status = status
	s.messages[id] = m
	return true, nil
}

func (s *MemoryStore) MarkMessageDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	m.IsDeleted = true
	s.messages[id] = m
	return nil
}

func (s *MemoryStore) HideMessageFor(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.HiddenFrom(userID) {
		return nil
	}
	m.DeletedFor = append(append([]string(nil), m.DeletedFor...), userID)
	s.messages[id] = m
	return nil
}

// sortNewestFirst orders by createdAt descending, ties broken by ID descending.
func sortNewestFirst(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
