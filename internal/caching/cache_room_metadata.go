package caching

import (
	"github.com/dgraph-io/ristretto"
)

// RoomMetadata caches the create-event facts sliding list filters need,
// so filtering a large room list does not hit the state store once per
// room per request.
type RoomMetadata struct {
	// RoomType is the "type" field of the create event content, e.g.
	// "m.space". Empty for ordinary rooms.
	RoomType string
}

// Caches bundles the process-wide lazy caches.
type Caches struct {
	roomMetadata *ristretto.Cache
}

// NewCaches builds the cache set with a modest memory budget.
func NewCaches() (*Caches, error) {
	rm, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     1 << 24, // 16MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{roomMetadata: rm}, nil
}

// GetRoomMetadata returns cached metadata for a room, if present.
func (c *Caches) GetRoomMetadata(roomID string) (RoomMetadata, bool) {
	v, ok := c.roomMetadata.Get(roomID)
	if !ok {
		return RoomMetadata{}, false
	}
	m, ok := v.(RoomMetadata)
	return m, ok
}

// StoreRoomMetadata caches metadata for a room. Create events are
// immutable so entries never need invalidating.
func (c *Caches) StoreRoomMetadata(roomID string, m RoomMetadata) {
	c.roomMetadata.Set(roomID, m, int64(len(roomID)+len(m.RoomType)))
}
