package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingCacheAddRemove(t *testing.T) {
	cache := NewTypingCache()
	roomID := "!room:test"

	assert.Empty(t, cache.GetTypingUsers(roomID))

	pos1 := cache.AddTypingUser("@alice:test", roomID, nil)
	pos2 := cache.AddTypingUser("@bob:test", roomID, nil)
	assert.Greater(t, pos2, pos1)
	assert.ElementsMatch(t, []string{"@alice:test", "@bob:test"}, cache.GetTypingUsers(roomID))

	pos3 := cache.RemoveUser("@alice:test", roomID)
	assert.Greater(t, pos3, pos2)
	assert.Equal(t, []string{"@bob:test"}, cache.GetTypingUsers(roomID))
	assert.Equal(t, pos3, cache.GetLatestSyncPosition())
}

func TestTypingCacheExpiry(t *testing.T) {
	cache := NewTypingCache()
	roomID := "!room:test"

	expire := time.Now().Add(20 * time.Millisecond)
	cache.AddTypingUser("@alice:test", roomID, &expire)
	assert.Equal(t, []string{"@alice:test"}, cache.GetTypingUsers(roomID))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cache.GetTypingUsers(roomID))
}

func TestTypingCacheExpiredTimestampIgnored(t *testing.T) {
	cache := NewTypingCache()
	roomID := "!room:test"

	past := time.Now().Add(-time.Second)
	before := cache.GetLatestSyncPosition()
	after := cache.AddTypingUser("@alice:test", roomID, &past)
	assert.Equal(t, before, after, "an already-expired notification must not advance the position")
	assert.Empty(t, cache.GetTypingUsers(roomID))
}

func TestTypingUsersForRooms(t *testing.T) {
	cache := NewTypingCache()
	cache.AddTypingUser("@alice:test", "!a:test", nil)
	cache.AddTypingUser("@bob:test", "!b:test", nil)

	result := cache.GetTypingUsersForRooms([]string{"!a:test", "!b:test", "!quiet:test"})
	assert.Equal(t, []string{"@alice:test"}, result["!a:test"])
	assert.Equal(t, []string{"@bob:test"}, result["!b:test"])
	assert.NotContains(t, result, "!quiet:test")
}
