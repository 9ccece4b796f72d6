package caching

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
)

const (
	// Typing notifications expire on their own if a stop is never seen.
	defaultTypingTimeout = 30 * time.Second
	typingSweepInterval  = 10 * time.Second
)

// EDUCache tracks which users are currently typing in which rooms.
// Typing is the one ephemeral stream that never touches the database:
// entries expire on a TTL and the cache keeps a position counter so
// sync responses can report whether typing changed since a caller's
// last look.
type EDUCache struct {
	typing   *gocache.Cache
	position atomic.Int64
}

// NewTypingCache returns an empty typing cache.
func NewTypingCache() *EDUCache {
	return &EDUCache{
		typing: gocache.New(defaultTypingTimeout, typingSweepInterval),
	}
}

func typingKey(roomID, userID string) string {
	return roomID + "\x1f" + userID
}

// AddTypingUser marks a user as typing in a room until expire, or for
// the default timeout if expire is nil or in the past. Returns the new
// typing stream position.
func (t *EDUCache) AddTypingUser(userID, roomID string, expire *time.Time) int64 {
	ttl := defaultTypingTimeout
	if expire != nil {
		ttl = time.Until(*expire)
		if ttl <= 0 {
			return t.position.Load()
		}
	}
	t.typing.Set(typingKey(roomID, userID), struct{}{}, ttl)
	return t.position.Inc()
}

// RemoveUser clears a user's typing state in a room. Returns the new
// typing stream position.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.typing.Delete(typingKey(roomID, userID))
	return t.position.Inc()
}

// GetTypingUsers returns the users currently typing in a room.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	prefix := roomID + "\x1f"
	users := make([]string, 0, 4)
	for key := range t.typing.Items() {
		if strings.HasPrefix(key, prefix) {
			users = append(users, strings.TrimPrefix(key, prefix))
		}
	}
	return users
}

// GetTypingUsersForRooms returns typing users for each of the given
// rooms, keyed by room ID. Rooms with nobody typing are omitted.
func (t *EDUCache) GetTypingUsersForRooms(roomIDs []string) map[string][]string {
	result := make(map[string][]string, len(roomIDs))
	for _, roomID := range roomIDs {
		if users := t.GetTypingUsers(roomID); len(users) > 0 {
			result[roomID] = users
		}
	}
	return result
}

// GetLatestSyncPosition returns the current typing stream position.
func (t *EDUCache) GetLatestSyncPosition() int64 {
	return t.position.Load()
}
