package roomserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/saintparish4/rendezvous/pkg/room"
)

var ErrNotFound = errors.New("room not found")

// Room is the stored record. Port 0 means the creator has not finalised it.
type Room struct {
	Code         string `json:"code"`
	IP           string `json:"ip"`
	LocalIP      string `json:"localIp"`
	Port         int    `json:"port"`
	PasswordHash string `json:"pwHash"`
	CreatorToken string `json:"creatorToken"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Info is the wire view. The LAN address is only included when asked for.
func (r *Room) Info(exposeLocal bool) *room.RoomInfo {
	info := &room.RoomInfo{
		Code:      r.Code,
		IP:        r.IP,
		Port:      r.Port,
		ExpiresAt: r.ExpiresAt,
	}
	if exposeLocal {
		info.LocalIP = r.LocalIP
	}
	return info
}

// Store keeps rooms until they expire. Get never returns an expired room.
type Store interface {
	Get(ctx context.Context, code string) (*Room, error)
	Put(ctx context.Context, r *Room) error
	Delete(ctx context.Context, code string) (bool, error)
	PurgeExpired(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore is the single-process Store
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]Room
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Room), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	if r.ExpiresAt <= s.now().Unix() {
		delete(s.rooms, code)
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Put(_ context.Context, r *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.Code] = *r
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[code]
	delete(s.rooms, code)
	return ok, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	removed := 0
	for code, r := range s.rooms {
		if r.ExpiresAt <= now {
			delete(s.rooms, code)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms), nil
}
